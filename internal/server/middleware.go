package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// corsMiddleware applies the configured origin allow-list. With no
// allow-list configured, cross-origin requests get no CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Transport.AllowedOrigins))
	for _, origin := range s.cfg.Transport.AllowedOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the request identity per the configured auth
// mode and attaches it to the request context. Bearer extraction follows
// the same shape for every mode; what the token means differs.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch s.cfg.Auth.Mode {
		case "none":
			next.ServeHTTP(w, r)
			return

		case "ibmi":
			token, ok := bearerToken(r)
			if !ok {
				s.unauthorized(w, r, "bearer token required")
				return
			}
			sess, ok := s.sessions.Get(token)
			if !ok {
				s.unauthorized(w, r, "invalid or expired token")
				return
			}
			ctx := common.WithIdentity(r.Context(), sess.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
			return

		case "jwt", "oauth":
			token, ok := bearerToken(r)
			if !ok {
				s.unauthorized(w, r, "bearer token required")
				return
			}
			sub, err := verifyBearerJWT(token, []byte(s.cfg.Auth.JWTSecret), time.Now())
			if err != nil {
				s.unauthorized(w, r, "invalid token")
				return
			}
			ctx := common.WithIdentity(r.Context(), common.Identity{Kind: "static", Key: sub, User: sub})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		s.unauthorized(w, r, "unsupported auth mode")
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}

// unauthorized writes the 401 shape with a WWW-Authenticate challenge.
func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := sanitizeHost(r.Host)
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata="%s://%s/.well-known/oauth-protected-resource"`, scheme, host))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":     msg,
		"errorCode": common.KindAuthentication.String(),
	})
}

// sanitizeHost strips CR, LF, and quote characters from the Host header
// so it cannot break out of the challenge value.
func sanitizeHost(host string) string {
	host = strings.ReplaceAll(host, "\r", "")
	host = strings.ReplaceAll(host, "\n", "")
	return strings.ReplaceAll(host, `"`, "")
}

// verifyBearerJWT checks an HS256 compact token and returns its subject.
// The jwt and oauth modes are unusable without MCP_JWT_SECRET: an empty
// secret rejects every token rather than skipping the signature check,
// and a header naming any other algorithm rejects outright.
func verifyBearerJWT(token string, secret []byte, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("no JWT secret configured")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errors.New("not a compact JWT")
	}
	rawHeader, rawPayload, rawSig := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(rawHeader)
	if err != nil {
		return "", errors.New("undecodable JWT header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg != "HS256" {
		return "", errors.New("unsupported JWT algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(rawSig)
	if err != nil {
		return "", errors.New("undecodable JWT signature")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(rawHeader))
	mac.Write([]byte{'.'})
	mac.Write([]byte(rawPayload))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return "", errors.New("JWT signature mismatch")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(rawPayload)
	if err != nil {
		return "", errors.New("undecodable JWT payload")
	}
	var claims struct {
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
	}
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return "", errors.New("malformed JWT claims")
	}
	if claims.Sub == "" {
		return "", errors.New("JWT carries no subject")
	}
	if claims.Exp != 0 && now.Unix() >= claims.Exp {
		return "", errors.New("JWT expired")
	}
	return claims.Sub, nil
}
