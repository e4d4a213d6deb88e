package checksum

import (
	"io"
	"net/http"
	"strings"
)

// Sentinel errors for errors.Is checks at the mediator boundary (spec.md §7
// "checksumError"/"sizeError").
var (
	ErrMismatch  = &sentinelError{"checksum: mismatch"}
	ErrTooLarge  = &sentinelError{"checksum: request body exceeds MAX_BODY"}
	ErrNoSecrets = &sentinelError{"checksum: tenant has no accepted secrets"}
)

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

// VerifyRequest extracts and verifies the checksum for an inbound BBB API
// call (spec.md §4.4). action is the resolved API action name (e.g.
// "create"); secrets are the tenant's currently-accepted secrets. maxBody
// bounds the fallback read of a POST body used as the query string when the
// URL's own query string carries no parameters, per spec.md §4.4's
// x-www-form-urlencoded fallback.
//
// Returns the query string with `checksum` removed (ready for parameter
// parsing) or an error identifying why verification failed.
func VerifyRequest(r *http.Request, action string, secrets []string, maxBody int64) (remaining string, err error) {
	if len(secrets) == 0 {
		return "", ErrNoSecrets
	}

	rawQuery := r.URL.RawQuery
	if rawQuery == "" && r.Method == http.MethodPost &&
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		limited := io.LimitReader(r.Body, maxBody+1)
		body, readErr := io.ReadAll(limited)
		if readErr != nil {
			return "", readErr
		}
		if int64(len(body)) > maxBody {
			return "", ErrTooLarge
		}
		rawQuery = string(body)
	}

	sum, remaining := ExtractAndStrip(rawQuery)
	if !Verify(action, remaining, sum, secrets) {
		return "", ErrMismatch
	}
	return remaining, nil
}
