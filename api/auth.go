package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/leave-engine/leave"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Claims identify the acting user. Role is informational; authorization
// always re-reads the user from the store.
type Claims struct {
	UserID string     `json:"user_id"`
	Role   leave.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	users  leave.UserStore
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration, users leave.UserStore) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl, users: users, now: time.Now}
}

// GenerateToken signs a token for u valid for the configured TTL.
func (a *Authenticator) GenerateToken(u leave.User) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken parses and verifies a token.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// Middleware resolves the bearer token to the acting user and stores it in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		user, err := a.users.GetUser(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unknown user", err)
			return
		}
		ctx := context.WithValue(r.Context(), actorContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// RequireAccess rejects actors for which allowed returns false.
func RequireAccess(allowed func(leave.User) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFrom(r.Context())
			if actor == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			if !allowed(*actor) {
				writeError(w, http.StatusForbidden, "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFrom returns the authenticated user, or nil.
func ActorFrom(ctx context.Context) *leave.User {
	user, ok := ctx.Value(actorContextKey).(*leave.User)
	if !ok {
		return nil
	}
	return user
}

// WithActor returns ctx carrying u as the authenticated user.
func WithActor(ctx context.Context, u *leave.User) context.Context {
	return context.WithValue(ctx, actorContextKey, u)
}

var errBadCredentials = errors.New("invalid credentials")
