package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) (func(string) (string, bool), func() []string) {
	lookup := func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
	environ := func() []string {
		out := make([]string, 0, len(vars))
		for k, v := range vars {
			out = append(out, k+"="+v)
		}
		return out
	}
	return lookup, environ
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	lookup, environ := fakeEnv(map[string]string{
		"BBBLB_SECRET":        "01234567890123456789012345678901",
		"BBBLB_DB_URI":        "postgres://localhost/bbblb",
		"BBBLB_RECORDING_PATH": "/var/bbblb/recordings",
		"BBBLB_POLL_INTERVAL": "5",
	})

	cfg, err := Load(lookup, environ)
	require.NoError(t, err)
	assert.Equal(t, "X-Tenant-Realm", cfg.TenantHeader)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.WebhookRetry)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	lookup, environ := fakeEnv(map[string]string{
		"BBBLB_SECRET":         "01234567890123456789012345678901",
		"BBBLB_DB_URI":         "postgres://localhost/bbblb",
		"BBBLB_RECORDING_PATH": "/var/bbblb/recordings",
		"BBBLB_TYPO_KEY":       "x",
	})

	_, err := Load(lookup, environ)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoadRequiresSecretOfMinimumLength(t *testing.T) {
	lookup, environ := fakeEnv(map[string]string{
		"BBBLB_SECRET":         "tooshort",
		"BBBLB_DB_URI":         "postgres://localhost/bbblb",
		"BBBLB_RECORDING_PATH": "/var/bbblb/recordings",
	})

	_, err := Load(lookup, environ)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoadFixesHistoricalLoadUserTypo(t *testing.T) {
	lookup, environ := fakeEnv(map[string]string{
		"BBBLB_SECRET":         "01234567890123456789012345678901",
		"BBBLB_DB_URI":         "postgres://localhost/bbblb",
		"BBBLB_RECORDING_PATH": "/var/bbblb/recordings",
		"BBBLB_LOAD_USER":      "0.25",
	})

	cfg, err := Load(lookup, environ)
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.LoadUser)
}
