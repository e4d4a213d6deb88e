package health

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bbblb/bbblb/internal/store"
)

// DBChecker pings the storage pool (spec.md §4 C10: "DB reachable").
type DBChecker struct {
	Store *store.Store
}

func (c *DBChecker) Name() string    { return "database" }
func (c *DBChecker) Type() CheckType { return CheckHealth | CheckReadiness }

func (c *DBChecker) Check(ctx context.Context) CheckResult {
	if err := c.Store.Pool.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// LeaseChecker reports healthy as long as the poller lease check has
// either succeeded recently or is not yet due, per SPEC_FULL.md C10:
// "poller lease check succeeds or is not yet due". GetLastCheck is
// injected so the poller's in-process state, not a DB round trip, backs
// this check.
type LeaseChecker struct {
	Interval     time.Duration
	GetLastCheck func() (ts time.Time, ok bool)
}

func (c *LeaseChecker) Name() string    { return "poller_lease" }
func (c *LeaseChecker) Type() CheckType { return CheckReadiness }

func (c *LeaseChecker) Check(ctx context.Context) CheckResult {
	last, ok := c.GetLastCheck()
	if !ok {
		return CheckResult{Status: StatusDegraded, Message: "poller has not completed a sweep yet"}
	}
	if time.Since(last) > 2*c.Interval {
		return CheckResult{Status: StatusUnhealthy, Message: "poller lease check is overdue"}
	}
	return CheckResult{Status: StatusHealthy, Message: "lease check current"}
}

// StorageChecker confirms the recording storage root is writable
// (spec.md §4 C10: "recording storage root writable").
type StorageChecker struct {
	Path string
}

func (c *StorageChecker) Name() string    { return "recording_storage" }
func (c *StorageChecker) Type() CheckType { return CheckReadiness }

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	probe := filepath.Join(c.Path, ".bbblb-writable-probe")
	if err := os.MkdirAll(c.Path, 0o755); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return CheckResult{Status: StatusHealthy, Message: "writable"}
}
