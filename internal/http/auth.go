package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"securordo/internal/domain"
)

// Claims bearer token payload
type Claims struct {
	UserID          string `json:"user_id"`
	Role            string `json:"role"`
	EstablishmentID string `json:"establishment_id,omitempty"`
	RPPSNumber      string `json:"rpps_number,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// IssueToken signs an HS256 token for user, valid for ttl.
func IssueToken(secret []byte, user domain.CurrentUser, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		UserID:          user.ID,
		Role:            string(user.Role),
		EstablishmentID: user.EstablishmentID,
		RPPSNumber:      user.RPPSNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies tokenString and returns the caller it identifies.
func ParseToken(secret []byte, tokenString string) (domain.CurrentUser, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.CurrentUser{}, err
	}
	user := domain.CurrentUser{
		ID:              claims.UserID,
		Role:            domain.Role(claims.Role),
		EstablishmentID: claims.EstablishmentID,
		RPPSNumber:      claims.RPPSNumber,
	}
	if user.ID == "" {
		return domain.CurrentUser{}, fmt.Errorf("token has no user_id")
	}
	switch user.Role {
	case domain.RolePrescriber, domain.RolePharmacist, domain.RoleAdmin:
	default:
		return domain.CurrentUser{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return user, nil
}

// AuthMiddleware verifies the bearer token and stores the caller in the context.
func AuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenString == "" {
				writeJSON(w, http.StatusUnauthorized, Fail("authorization header required"))
				return
			}
			user, err := ParseToken(secret, tokenString)
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					writeJSON(w, http.StatusUnauthorized, Result[any]{Code: ResultTokenExpired, Type: "error", Message: "token expired"})
					return
				}
				writeJSON(w, http.StatusUnauthorized, Fail("invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
		})
	}
}

func currentUser(r *http.Request) domain.CurrentUser {
	user, _ := r.Context().Value(ctxKey{}).(domain.CurrentUser)
	return user
}
