// Package checksum implements the BBB query-string authenticator: a
// lowercase hex SHA1 of action + queryStringWithoutChecksum + secret. It is
// shared by the outbound BBB client (which signs) and the inbound request
// mediator (which verifies), the same way the teacher's internal/auth
// package centralizes token comparison for both directions of its API.
package checksum

import (
	"crypto/sha1" //nolint:gosec // BBB's wire protocol mandates SHA1; not used for anything security-sensitive beyond protocol parity.
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"
)

// Param is the name BBB reserves for the checksum query parameter.
const Param = "checksum"

// Compute returns the lowercase hex SHA1 of action+query+secret, exactly as
// the BBB API protocol defines it (spec.md §4.3/§4.4).
func Compute(action, query, secret string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(action))
	h.Write([]byte(query))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether checksum matches Compute(action, query, secret) for
// ANY of the given secrets, letting a tenant rotate through multiple
// concurrently-accepted secrets (spec.md §4.4). Comparison is constant-time
// per candidate; this still leaks the number of stored secrets via timing but
// not which byte of the checksum mismatched.
func Verify(action, query, checksum string, secrets []string) bool {
	if checksum == "" {
		return false
	}
	want := []byte(checksum)
	for _, secret := range secrets {
		got := []byte(Compute(action, query, secret))
		if len(got) == len(want) && subtle.ConstantTimeCompare(got, want) == 1 {
			return true
		}
	}
	return false
}

// ExtractAndStrip removes the checksum parameter from a raw query string and
// returns its value along with the remaining query string, byte-for-byte
// otherwise (BBB's checksum is computed over the literal remaining string,
// not a re-encoded one, so this must not reorder or re-escape anything).
func ExtractAndStrip(rawQuery string) (checksum, remaining string) {
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0:0]
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		name := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			name = pair[:idx]
		}
		decodedName, err := url.QueryUnescape(name)
		if err == nil {
			name = decodedName
		}
		if checksum == "" && name == Param {
			if idx := strings.IndexByte(pair, '='); idx >= 0 {
				checksum = pair[idx+1:]
			}
			continue
		}
		kept = append(kept, pair)
	}
	return checksum, strings.Join(kept, "&")
}
