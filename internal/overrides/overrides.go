// Package overrides applies a tenant's declared parameter rewrite rules to
// a BBB create call (spec.md §4.5). There is no teacher analogue for a
// tuple-operator rewrite engine; this package follows the small,
// declared-struct-plus-switch shape the teacher uses throughout its own
// typed config parsing (internal/config/types.go's per-key env parsers),
// applied here to request parameters instead of environment variables.
package overrides

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/bbblb/bbblb/internal/store"
)

// Operators recognized in a tenant's override set (spec.md §9's resolution
// of the `{=, ?, <, +}` operator set).
const (
	OpAssign  = "="
	OpDefault = "?"
	OpClamp   = "<"
	OpAppend  = "+"
)

// Apply rewrites params in place according to overrides, in the order
// they are declared. Unknown operators are skipped rather than erroring,
// so a future operator addition never breaks an existing tenant mid-rollout.
func Apply(params url.Values, overrides []store.Override) {
	for _, o := range overrides {
		switch o.Op {
		case OpAssign:
			applyAssign(params, o)
		case OpDefault:
			applyDefault(params, o)
		case OpClamp:
			applyClamp(params, o)
		case OpAppend:
			applyAppend(params, o)
		}
	}
}

func applyAssign(params url.Values, o store.Override) {
	if o.Value == "" {
		params.Del(o.Param)
		return
	}
	params.Set(o.Param, o.Value)
}

func applyDefault(params url.Values, o store.Override) {
	if params.Get(o.Param) == "" {
		params.Set(o.Param, o.Value)
	}
}

// applyClamp treats the existing value and the operand as numbers and
// caps the parameter at the operand when it would otherwise exceed it.
// A non-numeric existing value or operand is left untouched — clamping a
// value we cannot parse would silently discard the tenant's intent.
func applyClamp(params url.Values, o store.Override) {
	limit, err := strconv.ParseFloat(o.Value, 64)
	if err != nil {
		return
	}
	current := params.Get(o.Param)
	if current == "" {
		return
	}
	value, err := strconv.ParseFloat(current, 64)
	if err != nil {
		return
	}
	if value > limit {
		params.Set(o.Param, o.Value)
	}
}

// applyAppend adds operand to a comma-separated list parameter,
// deduplicating against the existing entries.
func applyAppend(params url.Values, o store.Override) {
	if o.Value == "" {
		return
	}
	existing := params.Get(o.Param)
	if existing == "" {
		params.Set(o.Param, o.Value)
		return
	}
	items := strings.Split(existing, ",")
	for _, item := range items {
		if item == o.Value {
			return
		}
	}
	params.Set(o.Param, existing+","+o.Value)
}
