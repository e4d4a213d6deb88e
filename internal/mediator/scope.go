package mediator

import (
	"errors"
	"strings"
)

// MaxScopedID is the BBB meetingID length bound enforced on scoped IDs
// (spec.md §4.6 step 1).
const MaxScopedID = 256

var ErrScopedIDTooLong = errors.New("mediator: scoped meeting ID exceeds 256 characters")

// addScope namespaces externalID under tenantName so two tenants can use
// the same externalId without colliding on the backend, which only knows
// a single flat meetingID space.
func addScope(externalID, tenantName string) (string, error) {
	scoped := tenantName + ":" + externalID
	if len(scoped) > MaxScopedID {
		return "", ErrScopedIDTooLong
	}
	return scoped, nil
}

// unscope reverses addScope given the same tenantName. A scopedID that
// does not carry tenantName's prefix is returned unchanged — this only
// happens for malformed or foreign-tenant IDs, which callers reject on
// their own terms (tenant ownership, not scope shape).
func unscope(scopedID, tenantName string) string {
	prefix := tenantName + ":"
	if rest, ok := strings.CutPrefix(scopedID, prefix); ok {
		return rest
	}
	return scopedID
}
