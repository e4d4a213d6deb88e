// Package config declares the balancer's configuration record and loads it
// from environment variables. There is no file layer: every key is declared
// up front with its own parser and default, and unknown BBBLB_* keys are
// rejected at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete, declared configuration for the balancer process.
// Every field corresponds 1:1 to a key in spec.md §6.
type Config struct {
	Domain       string // DOMAIN
	Secret       string // SECRET - global HMAC key for callback signing
	DBURI        string // DB_URI
	TenantHeader string // TENANT_HEADER
	MaxBody      int64  // MAX_BODY (bytes)
	MaxItems     int    // MAX_ITEMS (pagination cap)
	WebhookRetry int    // WEBHOOK_RETRY

	PollInterval time.Duration // POLL_INTERVAL (s)
	PollFail     int           // POLL_FAIL
	PollRecover  int           // POLL_RECOVER

	LoadBase     float64 // LOAD_BASE
	LoadUser     float64 // LOAD_USER (historically typo'd LAOD_USER upstream)
	LoadVideo    float64 // LOAD_VIDEO
	LoadVoice    float64 // LOAD_VOICE
	LoadPenalty  float64 // LOAD_PENALTY
	LoadCooldown time.Duration // LOAD_COOLDOWN (minutes)

	LoadFactorInitial float64 // LOADFACTOR_INITIAL
	LoadFactorMeeting float64 // LOADFACTOR_MEETING
	LoadFactorSize    float64 // LOADFACTOR_SIZE

	RecordingPath      string // RECORDING_PATH
	RecordingThreads   int    // RECORDING_THREADS

	Debug bool // DEBUG

	ListenAddr string // not in spec.md's enumerated list; ambient HTTP bind address
}

// keySpec describes one declared environment key: how to parse it into the
// Config. Defaults for absent keys come from Defaults(), not from keySpec.
type keySpec struct {
	apply func(cfg *Config, raw string) error
}

// declared is the enumerated key set. Loading rejects any BBBLB_-prefixed
// environment variable not present here.
var declared = map[string]keySpec{
	"DOMAIN":             {apply: func(c *Config, v string) error { c.Domain = v; return nil }},
	"SECRET":             {apply: func(c *Config, v string) error { c.Secret = v; return nil }},
	"DB_URI":             {apply: func(c *Config, v string) error { c.DBURI = v; return nil }},
	"TENANT_HEADER":      {apply: func(c *Config, v string) error { c.TenantHeader = v; return nil }},
	"MAX_BODY":           {apply: applyInt64(func(c *Config) *int64 { return &c.MaxBody })},
	"MAX_ITEMS":          {apply: applyInt(func(c *Config) *int { return &c.MaxItems })},
	"WEBHOOK_RETRY":      {apply: applyInt(func(c *Config) *int { return &c.WebhookRetry })},
	"POLL_INTERVAL":      {apply: applySeconds(func(c *Config) *time.Duration { return &c.PollInterval })},
	"POLL_FAIL":          {apply: applyInt(func(c *Config) *int { return &c.PollFail })},
	"POLL_RECOVER":       {apply: applyInt(func(c *Config) *int { return &c.PollRecover })},
	"LOAD_BASE":          {apply: applyFloat(func(c *Config) *float64 { return &c.LoadBase })},
	"LOAD_USER":          {apply: applyFloat(func(c *Config) *float64 { return &c.LoadUser })},
	"LOAD_VIDEO":         {apply: applyFloat(func(c *Config) *float64 { return &c.LoadVideo })},
	"LOAD_VOICE":         {apply: applyFloat(func(c *Config) *float64 { return &c.LoadVoice })},
	"LOAD_PENALTY":       {apply: applyFloat(func(c *Config) *float64 { return &c.LoadPenalty })},
	"LOAD_COOLDOWN":      {apply: applyMinutes(func(c *Config) *time.Duration { return &c.LoadCooldown })},
	"LOADFACTOR_INITIAL": {apply: applyFloat(func(c *Config) *float64 { return &c.LoadFactorInitial })},
	"LOADFACTOR_MEETING": {apply: applyFloat(func(c *Config) *float64 { return &c.LoadFactorMeeting })},
	"LOADFACTOR_SIZE":    {apply: applyFloat(func(c *Config) *float64 { return &c.LoadFactorSize })},
	"RECORDING_PATH":     {apply: func(c *Config, v string) error { c.RecordingPath = v; return nil }},
	"RECORDING_THREADS":  {apply: applyInt(func(c *Config) *int { return &c.RecordingThreads })},
	"DEBUG":              {apply: applyBool(func(c *Config) *bool { return &c.Debug })},
	"LISTEN_ADDR":        {apply: func(c *Config, v string) error { c.ListenAddr = v; return nil }},
}

func applyInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func applyInt64(field func(*Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func applyFloat(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func applyBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func applySeconds(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = time.Duration(n) * time.Second
		return nil
	}
}

func applyMinutes(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = time.Duration(n) * time.Minute
		return nil
	}
}

// Defaults returns a Config populated with the system defaults from spec.md §6.
func Defaults() Config {
	return Config{
		TenantHeader:      "X-Tenant-Realm",
		MaxBody:           1 << 20, // 1 MiB
		MaxItems:          200,
		WebhookRetry:      3,
		PollInterval:      10 * time.Second,
		PollFail:          3,
		PollRecover:       2,
		LoadBase:          1,
		LoadUser:          0.1,
		LoadVideo:         0.5,
		LoadVoice:         0.2,
		LoadPenalty:       5,
		LoadCooldown:      10 * time.Minute,
		LoadFactorInitial: 1,
		LoadFactorMeeting: 1,
		LoadFactorSize:    0.5,
		RecordingThreads:  4,
		ListenAddr:        ":8090",
	}
}

const envPrefix = "BBBLB_"

// Load builds a Config from the process environment using lookup/environ as
// the environment source (injectable for tests, mirroring the teacher's
// Loader pattern). It rejects any BBBLB_-prefixed key not in the declared set.
func Load(lookup func(string) (string, bool), environ func() []string) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if environ == nil {
		environ = os.Environ
	}

	for _, kv := range environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, envPrefix)
		if _, ok := declared[name]; !ok {
			return Config{}, fmt.Errorf("config: unknown key %s%s", envPrefix, name)
		}
	}

	cfg := Defaults()
	for name, spec := range declared {
		raw, ok := lookup(envPrefix + name)
		if !ok || raw == "" {
			continue
		}
		if err := spec.apply(&cfg, raw); err != nil {
			return Config{}, fmt.Errorf("config: invalid value for %s%s: %w", envPrefix, name, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: %sSECRET is required", envPrefix)
	}
	if len(c.Secret) < 32 {
		return fmt.Errorf("config: %sSECRET must be at least 32 bytes", envPrefix)
	}
	if c.DBURI == "" {
		return fmt.Errorf("config: %sDB_URI is required", envPrefix)
	}
	if c.RecordingPath == "" {
		return fmt.Errorf("config: %sRECORDING_PATH is required", envPrefix)
	}
	if c.RecordingThreads <= 0 {
		return fmt.Errorf("config: %sRECORDING_THREADS must be > 0", envPrefix)
	}
	return nil
}
