// Package auth holds the credential the real-time connection authenticates
// with and gates connection attempts on it being complete.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrMissingToken    = errors.New("token is required")
	ErrMissingIdentity = errors.New("identity is required")
	ErrTokenExpired    = errors.New("token expired")
)

// Credentials is the bearer token plus the user handle it belongs to.
type Credentials struct {
	Token    string // Bearer token from the session collaborator
	Identity string // User handle (login name or user ID)
}

// Complete reports whether both halves are present.
func (c Credentials) Complete() bool {
	return c.Token != "" && c.Identity != ""
}

// Headers returns the authentication headers for the WebSocket upgrade and
// the STOMP CONNECT frame.
func (c Credentials) Headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.Token,
		"login":         c.Identity,
	}
}

// String masks the token.
func (c Credentials) String() string {
	return fmt.Sprintf("%s (token %s)", c.Identity, maskToken(c.Token))
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// ChangeFunc is called with the new credential, or ok=false when cleared.
type ChangeFunc func(creds Credentials, ok bool)

// Gate holds the current credential. Listeners are told about every change,
// in the order the changes were stored; the connection manager is the only
// one that acts on it.
type Gate struct {
	logger *slog.Logger
	now    func() time.Time

	// notifyMu spans store and notify so listeners see changes in store order.
	// Held while listeners run: a listener must not call Set or Clear.
	notifyMu sync.Mutex

	mu        sync.Mutex
	creds     Credentials
	set       bool
	listeners []ChangeFunc
}

// NewGate creates an empty gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger: logger,
		now:    time.Now,
	}
}

// OnChange registers a listener. Listeners run synchronously, in
// registration order, outside the lock that guards Current.
func (g *Gate) OnChange(fn ChangeFunc) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Set stores a credential. An empty identity is derived from the token's
// "sub" claim when the token is a JWT. Setting the credential already held
// is a no-op.
func (g *Gate) Set(token, identity string) error {
	token = strings.TrimSpace(token)
	identity = strings.TrimSpace(identity)
	if token == "" {
		return ErrMissingToken
	}

	claims, isJWT := parseClaims(token)
	if isJWT {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && !exp.After(g.now()) {
			return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
		}
		if identity == "" {
			identity, _ = claims.GetSubject()
		}
	}
	if identity == "" {
		return ErrMissingIdentity
	}

	creds := Credentials{Token: token, Identity: identity}

	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if g.set && g.creds == creds {
		g.mu.Unlock()
		return nil
	}
	g.creds = creds
	g.set = true
	listeners := append([]ChangeFunc(nil), g.listeners...)
	g.mu.Unlock()

	g.logger.Info("credentials set", "identity", identity, "jwt", isJWT)

	for _, fn := range listeners {
		fn(creds, true)
	}
	return nil
}

// Clear drops the held credential.
func (g *Gate) Clear() {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	g.mu.Lock()
	if !g.set {
		g.mu.Unlock()
		return
	}
	g.creds = Credentials{}
	g.set = false
	listeners := append([]ChangeFunc(nil), g.listeners...)
	g.mu.Unlock()

	g.logger.Info("credentials cleared")

	for _, fn := range listeners {
		fn(Credentials{}, false)
	}
}

// Current returns the held credential.
func (g *Gate) Current() (Credentials, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creds, g.set
}

// parseClaims decodes JWT claims without verifying the signature. The server
// verifies; the client only needs the subject and expiry.
func parseClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// IdentityFromToken returns the "sub" claim of a JWT.
func IdentityFromToken(token string) (string, error) {
	claims, ok := parseClaims(token)
	if !ok {
		return "", fmt.Errorf("token is not a JWT")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read sub claim: %w", err)
	}
	if sub == "" {
		return "", ErrMissingIdentity
	}
	return sub, nil
}

// LoadTokenFile reads a bearer token from a file, trimming whitespace.
func LoadTokenFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("token file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
