package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// buildRecordReadyToken signs a short-lived HS256 token carrying the
// imported recording's identity, for the REC callback's signed_parameters
// field (spec.md §4.9 step 4). Unlike internal/callback's relay, there is
// no inbound token to re-sign here — the import was triggered directly by
// an upload, not a backend webhook — so the claims are built fresh.
func buildRecordReadyToken(recordID, tenantName, secret string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"record_id": recordID,
		"tenant":    tenantName,
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// verifyUploadToken validates the bearer JWT on a recording-upload request
// (spec.md §6): keyFor resolves the signing secret for the token's `kid`
// header, falling back to the global secret when absent or unknown. It
// rejects any non-HMAC signing method (algorithm-confusion guard) and
// requires at least one of the required scopes to be present.
func verifyUploadToken(tokenString string, keyFor func(kid string) (string, error), requiredScopes []string) (jwt.MapClaims, error) {
	var usedKid string
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("importer: unexpected signing method %v", t.Header["alg"])
		}
		if kid, ok := t.Header["kid"].(string); ok {
			usedKid = kid
		}
		return keyFor(usedKid)
	})
	if err != nil {
		return nil, fmt.Errorf("importer: parse upload jwt: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("importer: invalid upload jwt claims")
	}
	if !hasAnyScope(claims, requiredScopes) {
		return nil, fmt.Errorf("importer: token missing required scope")
	}
	return claims, nil
}

func hasAnyScope(claims jwt.MapClaims, required []string) bool {
	raw, ok := claims["scope"]
	if !ok {
		raw, ok = claims["scopes"]
	}
	if !ok {
		return false
	}

	var have map[string]bool
	switch v := raw.(type) {
	case string:
		have = map[string]bool{}
		for _, s := range strings.Fields(v) {
			have[s] = true
		}
	case []interface{}:
		have = map[string]bool{}
		for _, s := range v {
			if str, ok := s.(string); ok {
				have[str] = true
			}
		}
	default:
		return false
	}

	for _, want := range required {
		if have[want] {
			return true
		}
	}
	return false
}
