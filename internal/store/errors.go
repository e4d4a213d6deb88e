package store

import "errors"

// ErrTenantHasLiveMeetings is returned when disabling a tenant is refused
// because it still owns live meetings (spec.md §3).
var ErrTenantHasLiveMeetings = errors.New("store: tenant has live meetings")

// ErrNoAvailableServer is returned when no enabled, AVAILABLE server exists
// to host a new meeting (spec.md §4.6 step 3).
var ErrNoAvailableServer = errors.New("store: no available server")
