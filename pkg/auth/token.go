package auth

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = time.Hour

// Claims carried by registry tokens. Permissions are deliberately not
// embedded: the middleware re-resolves the username against the store on
// every request, so revoking a grant takes effect immediately.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenResponse is the JSON response for a successful token request.
type TokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"` // Docker client likes both
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// TokenService exchanges Basic credentials for short-lived bearer tokens.
type TokenService struct {
	Store  *Store
	Secret string
	Realm  string
}

func NewTokenService(store *Store, secret, realm string) *TokenService {
	return &TokenService{Store: store, Secret: secret, Realm: realm}
}

// IssueToken signs a token for an already-authenticated username.
func (s *TokenService) IssueToken(username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Secret))
}

// VerifyToken parses a bearer token and returns the username claim.
func (s *TokenService) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.Secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Username, nil
}

// TokenHandler implements GET /auth/token. Credentials are presented with
// HTTP Basic; the response token may be used as a Bearer alternative.
func (s *TokenService) TokenHandler(w http.ResponseWriter, r *http.Request) {
	username, password, hasAuth := r.BasicAuth()
	if !hasAuth {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.Realm))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, ok := s.Store.Authenticate(username, password)
	if !ok {
		log.Printf("[Auth] Token request failed for %q", username)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.Realm))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tokenString, err := s.IssueToken(user.Username)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	resp := TokenResponse{
		Token:       tokenString,
		AccessToken: tokenString,
		ExpiresIn:   int(tokenTTL.Seconds()),
		IssuedAt:    time.Now().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
