// Package gateway implements the WebSocket/JSON client for the Db2 for i
// database gateway. One Client owns one connection and the gateway-side
// pool opened over it; requests multiplex over the connection and are
// correlated by id. The client performs no retries: any I/O or protocol
// failure surfaces as a database error and the caller decides.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// Addr returns host:port with the default gateway port applied.
func (c Connection) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Client is a single gateway connection with request/response
// correlation. Safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	logger  *common.Logger
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Result

	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// DialTimeout bounds the WebSocket handshake.
const DialTimeout = 30 * time.Second

// Dial opens a WebSocket connection to the gateway. When the connection
// does not ignore certificate errors and no root CA is pinned, the
// system trust store verifies the gateway certificate.
func Dial(ctx context.Context, conn Connection, logger *common.Logger) (*Client, error) {
	tlsConfig := &tls.Config{}
	if conn.IgnoreUnauthorized {
		tlsConfig.InsecureSkipVerify = true
	} else if len(conn.RootCA) > 0 {
		pool := x509.NewCertPool()
		cert, err := x509.ParseCertificate(conn.RootCA)
		if err != nil {
			return nil, common.WrapError(common.KindDatabase, err, "parsing gateway root certificate")
		}
		pool.AddCert(cert)
		tlsConfig.RootCAs = pool
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: DialTimeout,
	}

	u := url.URL{Scheme: "wss", Host: conn.Addr(), Path: "/db/"}
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(conn.User, conn.Password))

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, common.WrapError(common.KindDatabase, err,
			"gateway dial %s failed (status %d)", conn.Addr(), status)
	}

	c := &Client{
		conn:    ws,
		logger:  logger,
		pending: make(map[string]chan *Result),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// readLoop dispatches incoming frames to the waiter registered for the
// frame's id. It exits on the first read error, failing all waiters.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(common.WrapError(common.KindDatabase, err, "gateway connection lost"))
			return
		}
		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			if c.logger != nil {
				c.logger.Warn().Str("error", err.Error()).Msg("discarding malformed gateway frame")
			}
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[result.ID]
		if ok {
			delete(c.pending, result.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &result
		}
	}
}

// failAll closes the client and unblocks every in-flight waiter.
func (c *Client) failAll(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
	c.conn.Close()
}

// roundTrip sends a request and waits for its correlated response.
func (c *Client) roundTrip(ctx context.Context, req request) (*Result, error) {
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}

	if req.ID == "" {
		req.ID = "q" + strconv.FormatUint(c.nextID.Add(1), 10)
	}

	ch := make(chan *Result, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, common.WrapError(common.KindDatabase, err, "gateway write failed")
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, c.closeErr
		}
		return result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
		return nil, common.WrapError(common.KindCancelled, ctx.Err(), "gateway call cancelled")
	case <-c.closed:
		return nil, c.closeErr
	}
}

// OpenPool asks the gateway to open its server-side connection pool.
func (c *Client) OpenPool(ctx context.Context, sizes PoolSizes) error {
	result, err := c.roundTrip(ctx, request{
		Type:      "connect",
		Technique: "tcp",
		Sizes:     &sizes,
		Props:     map[string]any{"application": "ibmi-mcp"},
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return gatewayError(result, "open pool")
	}
	return nil
}

// Execute runs a SQL statement with positional parameters. The returned
// Result carries the continuation id (Result.ID) for FetchMore when
// IsDone is false.
func (c *Client) Execute(ctx context.Context, sql string, params []any, rows int) (*Result, error) {
	result, err := c.roundTrip(ctx, request{
		Type:       "sql",
		SQL:        sql,
		Parameters: params,
		Rows:       rows,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, gatewayError(result, "execute")
	}
	return result, nil
}

// FetchMore continues an open result cursor.
func (c *Client) FetchMore(ctx context.Context, contID string, rows int) (*Result, error) {
	result, err := c.roundTrip(ctx, request{
		Type:   "sqlmore",
		ContID: contID,
		Rows:   rows,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, gatewayError(result, "fetch more")
	}
	return result, nil
}

// CloseQuery releases an open cursor. Best effort; a failed close is
// reported but carries no result data.
func (c *Client) CloseQuery(ctx context.Context, contID string) error {
	result, err := c.roundTrip(ctx, request{
		Type:   "sqlclose",
		ContID: contID,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return gatewayError(result, "close query")
	}
	return nil
}

// Close tells the gateway to tear down the pool and closes the
// connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	// The exit frame is fire-and-forget: gateways drop the connection
	// without replying.
	c.writeMu.Lock()
	_ = c.conn.WriteJSON(request{ID: "exit", Type: "exit"})
	c.writeMu.Unlock()

	c.failAll(common.NewError(common.KindDatabase, "gateway connection closed"))
	return nil
}

// Closed reports whether the underlying connection is gone.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// gatewayError converts an unsuccessful Result into a database error
// carrying the SQL return code and state when the gateway supplied them.
func gatewayError(result *Result, op string) error {
	msg := result.Error
	if msg == "" {
		msg = "request failed"
	}
	err := common.NewError(common.KindDatabase, "gateway %s: %s", op, msg)
	if result.SQLReturnCode != 0 {
		err = err.WithDetail("sqlReturnCode", result.SQLReturnCode)
	}
	if result.SQLState != "" {
		err = err.WithDetail("sqlState", result.SQLState)
	}
	return err
}

// GetRootCertificate retrieves the last certificate of the gateway's
// presented chain (the one closest to the root) by opening an unverified
// TLS connection. The caller pins the returned DER bytes
// for the verified dial that follows.
func GetRootCertificate(ctx context.Context, addr string) ([]byte, error) {
	d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, common.WrapError(common.KindDatabase, err, "fetching root certificate from %s", addr)
	}
	defer rawConn.Close()

	tlsConn, ok := rawConn.(*tls.Conn)
	if !ok {
		return nil, common.NewError(common.KindDatabase, "unexpected connection type from %s", addr)
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, common.NewError(common.KindDatabase, "gateway %s presented no certificate", addr)
	}
	return certs[len(certs)-1].Raw, nil
}
