package middleware

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/kiranshivaraju/jobcache/internal/api/response"
	"github.com/kiranshivaraju/jobcache/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Scopes granted by API keys.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

const anonymousKey = "anonymous"

// Auth provides authentication and scope-checking middleware over the
// configured API keys. With no keys configured every request is let through
// with both scopes.
type Auth struct {
	keys []config.APIKey

	// matched remembers which key a token digest verified against so bcrypt
	// runs once per token per process.
	mu      sync.RWMutex
	matched map[[sha256.Size]byte]int
}

// NewAuth creates a new Auth middleware.
func NewAuth(keys []config.APIKey) *Auth {
	return &Auth{keys: keys, matched: make(map[[sha256.Size]byte]int)}
}

// Open reports whether authentication is disabled.
func (a *Auth) Open() bool {
	return len(a.keys) == 0
}

// Authenticate validates the Bearer token against the configured bcrypt
// hashes and sets the key id and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Open() {
			ctx := setKeyID(r.Context(), anonymousKey)
			ctx = setScopes(ctx, []string{ScopeRead, ScopeWrite})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		idx, ok := a.lookup(rawKey)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		ctx := setKeyID(r.Context(), fmt.Sprintf("key%d", idx+1))
		ctx = setScopes(ctx, a.keys[idx].Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) lookup(rawKey string) (int, bool) {
	digest := sha256.Sum256([]byte(rawKey))

	a.mu.RLock()
	idx, ok := a.matched[digest]
	a.mu.RUnlock()
	if ok {
		return idx, true
	}

	for i, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(rawKey)) == nil {
			a.mu.Lock()
			a.matched[digest] = i
			a.mu.Unlock()
			return i, true
		}
	}
	return 0, false
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
