package mediator

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/bbblb/bbblb/internal/checksum"
	"github.com/bbblb/bbblb/internal/store"
)

// authError carries the BBB error kind to render, per spec.md §7.
type authError struct {
	kind    string
	message string
}

func (e *authError) Error() string { return e.message }

var (
	errMissingRealm = &authError{kind: KindChecksumError, message: "no tenant realm header supplied"}
	errUnknownRealm = &authError{kind: KindChecksumError, message: "unknown tenant"}
	errTenantOff    = &authError{kind: KindChecksumError, message: "tenant is disabled"}
)

// authenticate resolves the calling Tenant from the configured realm header
// and verifies the request checksum against that tenant's secrets (spec.md
// §4.6: "authenticates tenant by realm header ... verifies checksum with
// that tenant's secret"). It returns the tenant and the action's parameters
// (checksum stripped) ready for further rewriting.
func (m *Mediator) authenticate(r *http.Request, action string) (*store.Tenant, url.Values, error) {
	realm := r.Header.Get(m.Config.TenantHeader)
	if realm == "" {
		return nil, nil, errMissingRealm
	}

	tenant, err := m.Store.GetTenantByRealm(r.Context(), realm)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, errUnknownRealm
		}
		return nil, nil, err
	}
	if !tenant.Enabled {
		return nil, nil, errTenantOff
	}

	remaining, err := checksum.VerifyRequest(r, action, tenant.Secrets, m.Config.MaxBody)
	if err != nil {
		return nil, nil, classifyChecksumError(err)
	}

	params, err := url.ParseQuery(remaining)
	if err != nil {
		return nil, nil, &authError{kind: KindClientError, message: "malformed request parameters"}
	}
	return tenant, params, nil
}

func classifyChecksumError(err error) error {
	switch {
	case errors.Is(err, checksum.ErrTooLarge):
		return &authError{kind: KindSizeError, message: err.Error()}
	default:
		return &authError{kind: KindChecksumError, message: "checksum verification failed"}
	}
}
