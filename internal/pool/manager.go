// Package pool owns the identity-keyed collection of gateway pools.
// Pools initialize lazily on first use; concurrent first calls share one
// initialization via singleflight. Failed pools reset so the next request
// retries.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
	"github.com/bobmcallan/ibmi-mcp/internal/sqlguard"
)

// GatewayClient is the slice of the gateway client the manager needs.
// Tests substitute a fake.
type GatewayClient interface {
	OpenPool(ctx context.Context, sizes gateway.PoolSizes) error
	Execute(ctx context.Context, sql string, params []any, rows int) (*gateway.Result, error)
	FetchMore(ctx context.Context, contID string, rows int) (*gateway.Result, error)
	CloseQuery(ctx context.Context, contID string) error
	Close(ctx context.Context) error
	Closed() bool
}

// Dialer opens a gateway connection. Production uses gateway.Dial.
type Dialer func(ctx context.Context, conn gateway.Connection, logger *common.Logger) (GatewayClient, error)

// CertFetcher retrieves the gateway root certificate for verified TLS.
type CertFetcher func(ctx context.Context, addr string) ([]byte, error)

// HealthStatus classifies a pool.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

// healthProbeSQL is the known-safe statement used by CheckPoolHealth.
const healthProbeSQL = "SELECT 1 FROM SYSIBM.SYSDUMMY1"

const (
	defaultFetchSize = 300
	// maxFetchIterations is a defensive bound on pagination loops.
	maxFetchIterations = 100
	defaultResultRows  = 1000
)

// state tracks one keyed pool.
type state struct {
	client          GatewayClient
	conn            gateway.Connection
	initialized     bool
	connecting      bool
	healthStatus    HealthStatus
	lastHealthCheck time.Time
	lastError       error
}

// Manager owns all pools. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	pools  map[string]*state
	flight singleflight.Group

	dial      Dialer
	fetchCert CertFetcher
	sizes     gateway.PoolSizes
	logger    *common.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer substitutes the gateway dialer (tests).
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithCertFetcher substitutes root-certificate retrieval (tests).
func WithCertFetcher(f CertFetcher) Option {
	return func(m *Manager) { m.fetchCert = f }
}

// WithPoolSizes sets the gateway-side pool sizes requested at open.
func WithPoolSizes(starting, max int) Option {
	return func(m *Manager) { m.sizes = gateway.PoolSizes{StartingSize: starting, MaxSize: max} }
}

// NewManager creates an empty manager.
func NewManager(logger *common.Logger, opts ...Option) *Manager {
	m := &Manager{
		pools: make(map[string]*state),
		dial: func(ctx context.Context, conn gateway.Connection, logger *common.Logger) (GatewayClient, error) {
			return gateway.Dial(ctx, conn, logger)
		},
		fetchCert: gateway.GetRootCertificate,
		sizes:     gateway.PoolSizes{StartingSize: 1, MaxSize: 5},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register associates a connection config with a pool key without
// connecting. Re-registering the same key with a different connection
// closes the old pool so the next call dials fresh.
func (m *Manager) Register(key string, conn gateway.Connection) {
	m.mu.Lock()
	st, ok := m.pools[key]
	if !ok {
		m.pools[key] = &state{conn: conn, healthStatus: Unknown}
		m.mu.Unlock()
		return
	}
	changed := st.conn.Host != conn.Host || st.conn.Port != conn.Port ||
		st.conn.User != conn.User || st.conn.Password != conn.Password ||
		st.conn.IgnoreUnauthorized != conn.IgnoreUnauthorized
	if !changed {
		m.mu.Unlock()
		return
	}
	old := st.client
	m.pools[key] = &state{conn: conn, healthStatus: Unknown}
	m.mu.Unlock()

	if old != nil {
		// Old pool drains out of band; in-flight calls hold their client.
		go old.Close(context.Background())
	}
}

// Keys returns the registered pool keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.pools))
	for k := range m.pools {
		keys = append(keys, k)
	}
	return keys
}

// ensure returns an initialized client for key, initializing at most once
// across concurrent callers.
func (m *Manager) ensure(ctx context.Context, key string) (GatewayClient, error) {
	m.mu.Lock()
	st, ok := m.pools[key]
	if !ok {
		m.mu.Unlock()
		return nil, common.NewError(common.KindNotFound, "unknown pool key %q", key)
	}
	if st.initialized && st.client != nil && !st.client.Closed() {
		client := st.client
		m.mu.Unlock()
		return client, nil
	}
	conn := st.conn
	st.connecting = true
	m.mu.Unlock()

	v, err, _ := m.flight.Do(key, func() (any, error) {
		client, initErr := m.initialize(ctx, key, conn)
		m.mu.Lock()
		st, ok := m.pools[key]
		if ok {
			st.connecting = false
			if initErr != nil {
				st.initialized = false
				st.client = nil
				st.healthStatus = Unhealthy
				st.lastError = initErr
			} else {
				st.client = client
				st.initialized = true
				st.healthStatus = Healthy
				st.lastHealthCheck = time.Now()
				st.lastError = nil
			}
		}
		m.mu.Unlock()
		if initErr != nil {
			return nil, initErr
		}
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(GatewayClient), nil
}

// Ensure initializes the keyed pool if needed, blocking until the shared
// initialization resolves. Used by the credential handshake to verify
// that decrypted credentials actually authenticate.
func (m *Manager) Ensure(ctx context.Context, key string) error {
	_, err := m.ensure(ctx, key)
	return err
}

// initialize dials and opens one gateway pool.
func (m *Manager) initialize(ctx context.Context, key string, conn gateway.Connection) (GatewayClient, error) {
	if !conn.IgnoreUnauthorized && len(conn.RootCA) == 0 {
		cert, err := m.fetchCert(ctx, conn.Addr())
		if err != nil {
			return nil, common.WrapError(common.KindInitialization, err, "pool %q", key)
		}
		conn.RootCA = cert
	}

	client, err := m.dial(ctx, conn, m.logger)
	if err != nil {
		return nil, common.WrapError(common.KindInitialization, err, "pool %q", key)
	}
	if err := client.OpenPool(ctx, m.sizes); err != nil {
		client.Close(ctx)
		return nil, common.WrapError(common.KindInitialization, err, "pool %q", key)
	}
	if m.logger != nil {
		m.logger.Info().Str("pool", key).Str("gateway", conn.String()).Msg("pool initialized")
	}
	return client, nil
}

// validateWireParams shallow-checks that only primitives the gateway
// accepts reach the wire.
func validateWireParams(params []any) error {
	for i, p := range params {
		switch p.(type) {
		case nil, string, int, int32, int64, float32, float64:
		default:
			return common.NewError(common.KindValidation,
				"parameter %d has unsupported wire type %T", i, p)
		}
	}
	return nil
}

// ExecuteQuery runs one statement on the keyed pool, optionally policy
// checking the SQL first.
func (m *Manager) ExecuteQuery(ctx context.Context, key, sql string, params []any, security *sqlguard.Policy) (*gateway.Result, error) {
	if security != nil {
		if err := sqlguard.Validate(sql, *security); err != nil {
			return nil, err
		}
	}
	if err := validateWireParams(params); err != nil {
		return nil, err
	}

	client, err := m.ensure(ctx, key)
	if err != nil {
		return nil, err
	}

	result, err := client.Execute(ctx, sql, params, defaultResultRows)
	if err != nil {
		m.markHealth(key, Unhealthy, err)
		return nil, err
	}
	m.markHealth(key, Healthy, nil)
	return result, nil
}

// AggregatedResult is the output of a paginated execution.
type AggregatedResult struct {
	Data          []map[string]any
	Metadata      *gateway.ResultMetadata
	IsDone        bool
	FetchCount    int
	UpdateCount   int
	SQLReturnCode int
	ExecutionTime int64
}

// ExecuteQueryWithPagination opens a cursor and drains it in fetchSize
// batches, up to maxFetchIterations. The cursor is closed before return.
func (m *Manager) ExecuteQueryWithPagination(ctx context.Context, key, sql string, params []any, fetchSize int, security *sqlguard.Policy) (*AggregatedResult, error) {
	if security != nil {
		if err := sqlguard.Validate(sql, *security); err != nil {
			return nil, err
		}
	}
	if err := validateWireParams(params); err != nil {
		return nil, err
	}
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}

	client, err := m.ensure(ctx, key)
	if err != nil {
		return nil, err
	}

	first, err := client.Execute(ctx, sql, params, fetchSize)
	if err != nil {
		m.markHealth(key, Unhealthy, err)
		return nil, err
	}

	agg := &AggregatedResult{
		Data:          append([]map[string]any(nil), first.Data...),
		Metadata:      first.Metadata,
		IsDone:        first.IsDone,
		FetchCount:    1,
		UpdateCount:   first.UpdateCount,
		SQLReturnCode: first.SQLReturnCode,
		ExecutionTime: first.ExecutionTime,
	}

	contID := first.ID
	for !agg.IsDone && agg.FetchCount < maxFetchIterations {
		more, err := client.FetchMore(ctx, contID, fetchSize)
		if err != nil {
			_ = client.CloseQuery(context.WithoutCancel(ctx), contID)
			return nil, err
		}
		agg.Data = append(agg.Data, more.Data...)
		agg.IsDone = more.IsDone
		agg.FetchCount++
		agg.ExecutionTime += more.ExecutionTime
	}

	if !agg.IsDone && m.logger != nil {
		m.logger.Warn().Str("pool", key).Int("fetches", agg.FetchCount).
			Msg("pagination stopped at fetch iteration cap")
	}

	_ = client.CloseQuery(context.WithoutCancel(ctx), contID)
	m.markHealth(key, Healthy, nil)
	return agg, nil
}

// CheckPoolHealth probes the pool with a known-safe statement.
func (m *Manager) CheckPoolHealth(ctx context.Context, key string) HealthStatus {
	client, err := m.ensure(ctx, key)
	if err != nil {
		m.markHealth(key, Unhealthy, err)
		return Unhealthy
	}
	if _, err := client.Execute(ctx, healthProbeSQL, nil, 1); err != nil {
		m.markHealth(key, Unhealthy, err)
		return Unhealthy
	}
	m.markHealth(key, Healthy, nil)
	return Healthy
}

// Health reports the recorded status without probing.
func (m *Manager) Health(key string) (HealthStatus, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.pools[key]; ok {
		return st.healthStatus, st.lastHealthCheck
	}
	return Unknown, time.Time{}
}

func (m *Manager) markHealth(key string, status HealthStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.pools[key]; ok {
		st.healthStatus = status
		st.lastHealthCheck = time.Now()
		if err != nil {
			st.lastError = err
		}
	}
}

// ClosePool releases the pool for key. Idempotent; the key stays
// registered so a later call can re-initialize.
func (m *Manager) ClosePool(ctx context.Context, key string) error {
	m.mu.Lock()
	st, ok := m.pools[key]
	var client GatewayClient
	if ok {
		client = st.client
		st.client = nil
		st.initialized = false
		st.healthStatus = Unknown
	}
	m.mu.Unlock()

	if client != nil {
		return client.Close(ctx)
	}
	return nil
}

// Remove closes the pool and forgets the key entirely.
func (m *Manager) Remove(ctx context.Context, key string) error {
	err := m.ClosePool(ctx, key)
	m.mu.Lock()
	delete(m.pools, key)
	m.mu.Unlock()
	return err
}

// CloseAllPools fans out over every pool, best effort, never returns an
// error.
func (m *Manager) CloseAllPools(ctx context.Context) {
	m.mu.Lock()
	clients := make(map[string]GatewayClient)
	for key, st := range m.pools {
		if st.client != nil {
			clients[key] = st.client
			st.client = nil
			st.initialized = false
			st.healthStatus = Unknown
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for key, client := range clients {
		wg.Add(1)
		go func(key string, client GatewayClient) {
			defer wg.Done()
			if err := client.Close(ctx); err != nil && m.logger != nil {
				m.logger.Warn().Str("pool", key).Str("error", err.Error()).Msg("pool close failed")
			}
		}(key, client)
	}
	wg.Wait()
}
