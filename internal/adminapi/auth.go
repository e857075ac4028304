package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// sessionTTL is the lifetime of an operator session token.
const sessionTTL = 12 * time.Hour

// operatorContextKey is the context key for the authenticated operator
// username, set by requireAuth once a bearer token validates.
type operatorContextKey string

const operatorKey operatorContextKey = "operator"

// operatorClaims holds the JWT claims for an admin session. There is only
// ever one operator account, so the claim set is deliberately thin.
type operatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// issueToken signs a short-lived session token for the bootstrap operator.
func (s *Server) issueToken(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(sessionTTL)

	claims := operatorClaims{
		Operator: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "voicebridge-adminapi",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// requireAuth validates the bearer token on every protected route.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims := &operatorClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			s.logger.Debug("adminapi: rejected token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Operator == "" {
			writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims.Operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
