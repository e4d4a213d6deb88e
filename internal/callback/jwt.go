package callback

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// relayClaims is the claim set carried by signed_parameters: a JWT whose
// payload is otherwise opaque to this router, which only needs to verify
// the signature and re-sign with a different secret (spec.md §4.7).
type relayClaims struct {
	jwt.MapClaims
}

// verifyJWT parses tokenString, rejecting anything but HS256 (guards
// against algorithm-confusion attacks, the same posture as
// tomtom215-cartographus's JWTManager.ValidateToken), and returns its
// claims on success.
func verifyJWT(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("callback: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("callback: parse jwt: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("callback: invalid jwt claims")
	}
	return claims, nil
}

// resignJWT builds a fresh HS256 token carrying claims, signed with
// secret, with a short expiry so a replayed relay token cannot be reused
// indefinitely.
func resignJWT(claims jwt.MapClaims, secret string) (string, error) {
	out := jwt.MapClaims{}
	for k, v := range claims {
		out[k] = v
	}
	out["exp"] = jwt.NewNumericDate(time.Now().Add(5 * time.Minute))
	out["iat"] = jwt.NewNumericDate(time.Now())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, out)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("callback: sign jwt: %w", err)
	}
	return signed, nil
}
