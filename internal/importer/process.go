package importer

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bbblb/bbblb/internal/metrics"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/google/renameio/v2"
)

// formatGroup is one (tenant, recordId, format) directory staged from the
// tar, per spec.md §4.9 step 2.
type formatGroup struct {
	tenant   string
	recordID string
	format   string
	dir      string
}

// recordGroup collects every staged format belonging to one recording, so
// its Recording row is upserted once and its REC callbacks fire once, after
// every format in this archive for that recording has landed (spec.md §4.9
// steps 3-4).
type recordGroup struct {
	tenant   string
	recordID string
	formats  map[string]*formatGroup
}

// process implements spec.md §4.9 steps 2-5 for one enqueued tar archive.
func (im *Importer) process(ctx context.Context, t task) {
	defer func() { _ = os.Remove(t.tmpPath) }()

	records, err := im.stageTar(ctx, t)
	if err != nil {
		im.log.Error().Err(err).Str("import_id", t.id).Msg("tar staging failed")
		metrics.ImporterTasksTotal.WithLabelValues("error").Inc()
		for _, rec := range records {
			im.discardStaging(rec)
		}
		return
	}

	outcome := "success"
	for _, rec := range records {
		if err := im.commitRecord(ctx, rec); err != nil {
			im.log.Error().Err(err).Str("record_id", rec.recordID).Msg("commit recording failed")
			outcome = "partial"
		}
	}
	metrics.ImporterTasksTotal.WithLabelValues(outcome).Inc()
}

// stageTar streams t's tar archive, writing each entry beneath a staging
// directory per (tenant, recordId, format) via renameio's atomic
// temp-then-rename file writes (spec.md §4.9 step 2).
func (im *Importer) stageTar(ctx context.Context, t task) (map[string]*recordGroup, error) {
	f, err := os.Open(t.tmpPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	groups := map[string]*formatGroup{}
	records := map[string]*recordGroup{}

	tr := tar.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return records, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		tenant, recordID, format, rest, ok := splitEntryPath(hdr.Name, t.forceTenant)
		if !ok {
			continue
		}

		key := tenant + "/" + recordID + "/" + format
		fg, ok := groups[key]
		if !ok {
			dir, err := os.MkdirTemp(im.cfg.RecordingPath, "import-staging-*")
			if err != nil {
				return records, err
			}
			fg = &formatGroup{tenant: tenant, recordID: recordID, format: format, dir: dir}
			groups[key] = fg

			rkey := tenant + "/" + recordID
			rg, ok := records[rkey]
			if !ok {
				rg = &recordGroup{tenant: tenant, recordID: recordID, formats: map[string]*formatGroup{}}
				records[rkey] = rg
			}
			rg.formats[format] = fg
		}

		dest := filepath.Join(fg.dir, rest)
		if !hasPathPrefix(dest, fg.dir) {
			im.log.Warn().Str("entry", hdr.Name).Msg("tar entry escapes its staging directory, skipping")
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return records, err
		}
		if err := writeEntryAtomic(dest, tr); err != nil {
			return records, err
		}
	}
	return records, nil
}

// splitEntryPath parses a tar entry's path into its (tenant, recordId,
// format, remainder) components (spec.md §4.9 step 2). forceTenant, when
// non-empty, overrides the archive's own tenant segment. Every component,
// including each segment of rest, is validated by isSafePathSegment so a
// crafted entry name cannot place a "../" anywhere in the path and escape
// the per-(tenant,recordId,format) staging directory (tar-slip), grounded
// on the teacher's internal/recordings/pathmap.go ResolveLocalExisting,
// which rejects ".." the same way before ever touching the filesystem.
func splitEntryPath(name, forceTenant string) (tenant, recordID, format, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(name, "/"), "/", 4)
	if len(parts) < 4 {
		return "", "", "", "", false
	}
	if !isSafePathSegment(parts[0]) || !isSafePathSegment(parts[1]) || !isSafePathSegment(parts[2]) {
		return "", "", "", "", false
	}
	for _, seg := range strings.Split(parts[3], "/") {
		if !isSafePathSegment(seg) {
			return "", "", "", "", false
		}
	}

	tenant = parts[0]
	if forceTenant != "" {
		if !isSafePathSegment(forceTenant) {
			return "", "", "", "", false
		}
		tenant = forceTenant
	}
	return tenant, parts[1], parts[2], parts[3], true
}

// isSafePathSegment reports whether s is usable as a single path component
// without risk of escaping a confining directory: non-empty, free of path
// separators and NUL bytes, and not a "." or ".." traversal segment.
func isSafePathSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// hasPathPrefix reports whether p is root itself or a descendant of root,
// after cleaning both. Grounded on the teacher's internal/recordings/
// pathmap.go hasPathPrefix, used there for the same "confine a resolved
// path inside a root" check.
func hasPathPrefix(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	rootWithSep := root
	if !strings.HasSuffix(rootWithSep, string(filepath.Separator)) {
		rootWithSep += string(filepath.Separator)
	}
	return p == root || strings.HasPrefix(p, rootWithSep)
}

// writeEntryAtomic streams r into dest via a temp file in the same
// directory, fsyncing and renaming into place (grounded on the teacher's
// internal/jobs/picon_pool.go writeAtomic helper, generalized to a library
// call since dest here is a pre-sized staging path rather than a cache
// entry being warmed).
func writeEntryAtomic(dest string, r io.Reader) error {
	pf, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	if _, err := io.Copy(pf, r); err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}

// commitRecord promotes every staged format directory for rec into place,
// parses metadata.xml, upserts the Recording/PlaybackFormat rows, and fires
// any REC callbacks for the originating meeting (spec.md §4.9 steps 3-4).
func (im *Importer) commitRecord(ctx context.Context, rec *recordGroup) error {
	tenant, err := im.store.GetTenantByName(ctx, rec.tenant)
	if err != nil {
		im.discardStaging(rec)
		return err
	}

	var meta *recordingMetadata
	var recordingID int64
	var recUUID string
	var firstErr error

	for format, fg := range rec.formats {
		m, rawXML, err := readFormatMetadata(fg.dir)
		if err != nil {
			im.log.Error().Err(err).Str("format", format).Str("record_id", rec.recordID).Msg("parse metadata.xml failed")
			_ = os.RemoveAll(fg.dir)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if meta == nil {
			meta = m
			recUUID = m.Meta["bbblb-uuid"]
		}

		finalDir := filepath.Join(im.cfg.RecordingPath, rec.tenant, rec.recordID, format)
		if err := promoteDir(fg.dir, finalDir); err != nil {
			im.log.Error().Err(err).Str("format", format).Msg("promote staged format failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if recordingID == 0 {
			stored, err := im.store.UpsertRecording(ctx, &store.Recording{
				RecordID:     rec.recordID,
				TenantID:     &tenant.ID,
				ExternalID:   m.Meeting.ExternalID,
				State:        store.RecordingPublished,
				Metadata:     map[string]string(m.Meta),
				Started:      m.startedAt(),
				Ended:        m.endedAt(),
				Participants: m.Participants,
			})
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			recordingID = stored.ID
		}

		if err := im.store.UpsertPlaybackFormat(ctx, recordingID, format, string(rawXML)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if recUUID != "" {
		im.fireRecCallbacks(ctx, recUUID, rec.recordID, rec.tenant)
	}
	return firstErr
}

func readFormatMetadata(dir string) (*recordingMetadata, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "metadata.xml"))
	if err != nil {
		return nil, nil, err
	}
	meta, err := parseMetadata(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	return meta, raw, nil
}

// promoteDir atomically replaces dest's prior contents with staged, the
// closest practical approximation of an atomic directory swap: POSIX
// rename(2) can only replace an empty or absent directory, so any existing
// dest is removed first. A crash between the removal and the rename leaves
// dest absent rather than corrupt, and the import can be safely retried.
func promoteDir(staged, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
	}
	return os.Rename(staged, dest)
}

func (im *Importer) discardStaging(rec *recordGroup) {
	for _, fg := range rec.formats {
		_ = os.RemoveAll(fg.dir)
	}
}

// fireRecCallbacks implements spec.md §4.9 step 4: every REC callback row
// registered against the originating meeting's uuid is re-signed with its
// tenant's secret and forwarded, then deleted.
func (im *Importer) fireRecCallbacks(ctx context.Context, meetingUUID, recordID, tenantName string) {
	rows, err := im.store.FindCallbacksByUUIDAndType(ctx, meetingUUID, store.CallbackRec)
	if err != nil {
		im.log.Error().Err(err).Str("uuid", meetingUUID).Msg("find REC callbacks failed")
		return
	}
	for _, row := range rows {
		if row.Forward == nil || *row.Forward == "" {
			_ = im.store.DeleteCallback(ctx, row.ID)
			continue
		}
		tenant, err := im.store.GetTenant(ctx, row.TenantID)
		if err != nil || len(tenant.Secrets) == 0 {
			im.log.Error().Err(err).Int64("tenant_id", row.TenantID).Msg("resolve tenant secret for REC callback failed")
			continue
		}
		token, err := buildRecordReadyToken(recordID, tenantName, tenant.Secrets[0])
		if err != nil {
			im.log.Error().Err(err).Msg("sign REC callback token failed")
			continue
		}
		forward := *row.Forward
		im.goForward(context.WithoutCancel(ctx), forward, token)
		if err := im.store.DeleteCallback(ctx, row.ID); err != nil {
			im.log.Error().Err(err).Int64("callback_id", row.ID).Msg("delete fired REC callback failed")
		}
	}
}

func (im *Importer) forwardRecCallback(ctx context.Context, url, signedParameters string) {
	attempts := im.cfg.WebhookRetry
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("signed_parameters="+signedParameters))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		res, err := im.httpClient.Do(req)
		if err == nil {
			_ = res.Body.Close()
			if res.StatusCode < 500 {
				return
			}
		}
		if i == attempts {
			im.log.Warn().Str("url", url).Msg("REC callback forward permanently failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(10*i) * time.Second):
		}
	}
}
