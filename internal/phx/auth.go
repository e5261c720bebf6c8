package phx

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken mints an HS256 access token for the given role from a
// shared signing secret. Supabase-compatible servers accept "anon" and
// "service_role".
func SignToken(secret, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
