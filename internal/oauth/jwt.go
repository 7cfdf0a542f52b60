package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenClaims is the signed payload carried by every issued bearer
// token, grounded on the teacher's internal/middleware/auth.go HS256
// bearer-JWT shape: the token itself is self-describing, while Store still
// holds the authoritative record so VerifyAccessToken can reject a token
// whose Redis record was deleted (revocation) even if the signature and
// expiry both still check out.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// signAccessToken mints an HS256 JWT carrying userID/clientID/scopes, used
// as the bearer token value itself rather than an opaque random string.
func signAccessToken(signingKey, userID, clientID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
		Scopes:   scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return "", fmt.Errorf("oauth: signing access token: %w", err)
	}
	return signed, nil
}

// parseAccessToken validates signature and expiry, returning the claims.
// Callers still consult Store.VerifyAccessToken for the record backing the
// token, so a valid-but-revoked signature is still rejected.
func parseAccessToken(signingKey, tokenString string) (*accessTokenClaims, error) {
	claims := &accessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("oauth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("oauth: invalid access token")
	}
	return claims, nil
}
