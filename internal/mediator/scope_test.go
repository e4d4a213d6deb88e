package mediator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeRoundTrip(t *testing.T) {
	ids := []string{"room1", "a:b:c", "", "meeting-with-dashes", strings.Repeat("x", 200)}
	for _, id := range ids {
		scoped, err := addScope(id, "acme")
		require.NoError(t, err)
		assert.Equal(t, id, unscope(scoped, "acme"))
	}
}

func TestAddScopeRejectsOverlongResult(t *testing.T) {
	_, err := addScope(strings.Repeat("x", 300), "acme")
	assert.ErrorIs(t, err, ErrScopedIDTooLong)
}

func TestUnscopeLeavesForeignIDUnchanged(t *testing.T) {
	scoped, err := addScope("room1", "acme")
	require.NoError(t, err)
	assert.Equal(t, scoped, unscope(scoped, "other-tenant"))
}
