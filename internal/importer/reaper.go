package importer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/store"
)

// ReapOrphans implements spec.md §4.9's CLI-triggered orphan reaper: delete
// PlaybackFormat rows whose backing directory (published or unpublished) no
// longer exists, then delete Recording rows left with zero formats.
func ReapOrphans(ctx context.Context, st *store.Store, cfg config.Config) (formatsRemoved, recordingsRemoved int, err error) {
	recordings, err := st.ListAllRecordings(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range recordings {
		tenantName := ""
		if rec.TenantID != nil {
			if tenant, err := st.GetTenant(ctx, *rec.TenantID); err == nil {
				tenantName = tenant.Name
			}
		}

		formats, err := st.ListPlaybackFormats(ctx, rec.ID)
		if err != nil {
			continue
		}
		for _, f := range formats {
			if formatDirExists(cfg.RecordingPath, tenantName, rec.RecordID, f.Format) {
				continue
			}
			if err := st.DeletePlaybackFormat(ctx, rec.ID, f.Format); err == nil {
				formatsRemoved++
			}
		}
	}

	orphaned, err := st.RecordingsWithZeroFormats(ctx)
	if err != nil {
		return formatsRemoved, recordingsRemoved, err
	}
	for _, recordID := range orphaned {
		if err := st.DeleteRecording(ctx, recordID); err == nil {
			recordingsRemoved++
		}
	}
	return formatsRemoved, recordingsRemoved, nil
}

func formatDirExists(basePath, tenant, recordID, format string) bool {
	published := filepath.Join(basePath, tenant, recordID, format)
	unpublished := filepath.Join(basePath, tenant, recordID, "unpublished", format)
	if _, err := os.Stat(published); err == nil {
		return true
	}
	if _, err := os.Stat(unpublished); err == nil {
		return true
	}
	return false
}
