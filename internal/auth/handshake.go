package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
	"github.com/bobmcallan/ibmi-mcp/internal/pool"
)

// maxAuthBodySize bounds the handshake request body (64KB).
const maxAuthBodySize = 64 << 10

// Handshake serves the credential exchange endpoints.
type Handshake struct {
	keys     map[string]*KeyPair
	sessions *SessionStore
	pools    *pool.Manager
	cfg      config.AuthConfig
	source   config.StaticSource
	logger   *common.Logger
}

// NewHandshake wires the handshake against the session store and pool
// manager. The static source supplies default host/port when a client
// sends only user and password.
func NewHandshake(key *KeyPair, sessions *SessionStore, pools *pool.Manager,
	cfg config.AuthConfig, source config.StaticSource, logger *common.Logger) *Handshake {
	return &Handshake{
		keys:     map[string]*KeyPair{key.ID: key},
		sessions: sessions,
		pools:    pools,
		cfg:      cfg,
		source:   source,
		logger:   logger,
	}
}

// authRequest is the POST /api/v1/auth body. All fields are base64.
type authRequest struct {
	KeyID               string `json:"keyId"`
	EncryptedSessionKey string `json:"encryptedSessionKey"`
	IV                  string `json:"iv"`
	AuthTag             string `json:"authTag"`
	Ciphertext          string `json:"ciphertext"`
}

// credentials is the decrypted plaintext. Host and port are optional and
// default to the static source.
type credentials struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// ServePublicKey handles GET /api/v1/auth/public-key.
func (h *Handshake) ServePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAuthError(w, http.StatusMethodNotAllowed, common.KindValidation, "method not allowed")
		return
	}
	// One key is active at a time today; the map keeps rotation cheap.
	for _, key := range h.keys {
		writeJSON(w, http.StatusOK, map[string]string{
			"keyId":     key.ID,
			"publicKey": key.PublicPEM,
		})
		return
	}
	writeAuthError(w, http.StatusInternalServerError, common.KindInternal, "no key configured")
}

// ServeAuth handles POST /api/v1/auth: decrypt, verify against the
// gateway by opening a pool, mint a token.
func (h *Handshake) ServeAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAuthError(w, http.StatusMethodNotAllowed, common.KindValidation, "method not allowed")
		return
	}
	if !h.cfg.AllowHTTP && r.TLS == nil && !forwardedHTTPS(r) {
		writeAuthError(w, http.StatusForbidden, common.KindAuthentication,
			"credential handshake requires TLS")
		return
	}

	var req authRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBodySize))
	if err != nil {
		writeAuthError(w, http.StatusBadRequest, common.KindValidation, "unreadable request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeAuthError(w, http.StatusBadRequest, common.KindValidation, "malformed request body")
		return
	}

	key, ok := h.keys[req.KeyID]
	if !ok {
		writeAuthError(w, http.StatusUnauthorized, common.KindAuthentication, "unknown key id")
		return
	}

	creds, err := h.decrypt(key, &req)
	if err != nil {
		// Deliberately uniform: tag mismatches and encoding problems are
		// indistinguishable to the client.
		writeAuthError(w, http.StatusUnauthorized, common.KindAuthentication, "decryption failed")
		return
	}
	if creds.User == "" || creds.Password == "" {
		writeAuthError(w, http.StatusUnauthorized, common.KindAuthentication, "incomplete credentials")
		return
	}

	host := creds.Host
	if host == "" {
		host = h.source.Host
	}
	port := creds.Port
	if port == 0 {
		port = h.source.Port
	}

	sessionID := uuid.NewString()
	poolKey := "token:" + sessionID
	h.pools.Register(poolKey, gateway.Connection{
		Host:               host,
		Port:               port,
		User:               creds.User,
		Password:           creds.Password,
		IgnoreUnauthorized: h.source.IgnoreUnauthorized,
	})

	if err := h.pools.Ensure(r.Context(), poolKey); err != nil {
		h.pools.Remove(r.Context(), poolKey)
		if h.logger != nil {
			h.logger.Warn().Str("session", sessionID).Msg("handshake pool open failed")
		}
		writeAuthError(w, http.StatusUnauthorized, common.KindAuthentication, "authentication failed")
		return
	}

	token, err := newOpaqueToken()
	if err != nil {
		h.pools.Remove(r.Context(), poolKey)
		writeAuthError(w, http.StatusInternalServerError, common.KindInternal, "token generation failed")
		return
	}

	identity := common.Identity{Kind: "token", Key: poolKey, User: creds.User}
	if _, err := h.sessions.Put(token, identity, poolKey); err != nil {
		h.pools.Remove(r.Context(), poolKey)
		status := http.StatusInternalServerError
		if common.IsKind(err, common.KindResourceExhausted) {
			status = http.StatusTooManyRequests
		}
		writeAuthError(w, status, common.KindOf(err), "session limit reached")
		return
	}

	if h.logger != nil {
		h.logger.Info().Str("session", sessionID).Str("user", creds.User).Msg("session established")
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   h.cfg.TokenExpirySeconds,
	})
}

// Routes mounts the handshake endpoints on a mux.
func (h *Handshake) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/public-key", h.ServePublicKey)
	mux.HandleFunc("/api/v1/auth", h.ServeAuth)
}

// decrypt unwraps the AES session key with RSA-OAEP and opens the
// AES-GCM ciphertext. Credential plaintext never reaches a log line.
func (h *Handshake) decrypt(key *KeyPair, req *authRequest) (*credentials, error) {
	wrapped, err := base64.StdEncoding.DecodeString(req.EncryptedSessionKey)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(req.IV)
	if err != nil {
		return nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(req.AuthTag)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		return nil, err
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key.Private, wrapped, nil)
	if err != nil {
		return nil, err
	}
	if len(sessionKey) != 32 {
		return nil, common.NewError(common.KindAuthentication, "session key is not 256 bits")
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}

	// Go's GCM wants ciphertext||tag in one buffer.
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, err
	}

	var creds credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// newOpaqueToken generates a 256-bit random bearer token.
func newOpaqueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// forwardedHTTPS reports whether a trusted proxy terminated TLS.
func forwardedHTTPS(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeAuthError(w http.ResponseWriter, status int, kind common.Kind, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"errorCode": kind.String(),
	})
}
