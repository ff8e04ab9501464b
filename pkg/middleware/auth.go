package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/pierrelefevre/grain/pkg/auth"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserKey ContextKey = "user"

// UserFrom extracts the authenticated user from the request context.
func UserFrom(r *http.Request) (*auth.User, bool) {
	u, ok := r.Context().Value(UserKey).(*auth.User)
	return u, ok
}

// Authenticator resolves request credentials against the user store.
// Basic is the primary scheme; Bearer tokens minted by /auth/token are
// accepted as an alternative. The resolved user carries the store's
// current permission set, never one captured at token-issue time.
type Authenticator struct {
	Store  *auth.Store
	Tokens *auth.TokenService
	Realm  string
}

func NewAuthenticator(store *auth.Store, tokens *auth.TokenService, realm string) *Authenticator {
	return &Authenticator{Store: store, Tokens: tokens, Realm: realm}
}

// Wrap authenticates the request and injects the user into the context.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.resolve(r)
		if !ok {
			a.sendChallenge(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), UserKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(r *http.Request) (*auth.User, bool) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		if a.Tokens == nil {
			return nil, false
		}
		username, err := a.Tokens.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			log.Printf("[Auth] Invalid bearer token: %v", err)
			return nil, false
		}
		return a.Store.Find(username)
	default:
		username, password, hasAuth := r.BasicAuth()
		if !hasAuth {
			return nil, false
		}
		return a.Store.Authenticate(username, password)
	}
}

// sendChallenge writes the 401 that tells clients to retry with Basic
// credentials.
func (a *Authenticator) sendChallenge(w http.ResponseWriter, r *http.Request) {
	log.Printf("[Auth] Unauthenticated request: %s %s", r.Method, r.URL.Path)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.Realm))
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"errors": [{"code": "UNAUTHORIZED", "message": "authentication required"}]}`))
}
