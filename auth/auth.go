// Package auth is the identity layer: it turns a bearer token into the stable
// user id of the caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Role string

const (
	RoleDriver Role = "DRIVER"
	RoleTenant Role = "TENANT"
)

type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsDriver() bool { return i.Role == RoleDriver }
func (i Identity) IsTenant() bool { return i.Role == RoleTenant }

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates and issues HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for userID. Used by simulators and tests; production
// tokens come from the marketplace's login flow with the same secret.
func (v *Verifier) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse validates a raw token string.
func (v *Verifier) Parse(tokenStr string) (Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if claims.Role != RoleDriver && claims.Role != RoleTenant {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Authenticate reads the token from the Authorization header or, for browser
// websockets that cannot set headers, the access_token query parameter.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	tokenStr := r.URL.Query().Get("access_token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Identity{}, ErrInvalidToken
		}
		tokenStr = strings.TrimSpace(parts[1])
	}
	if tokenStr == "" {
		return Identity{}, ErrMissingToken
	}
	return v.Parse(tokenStr)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
