package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// RecordingState mirrors spec.md §3's PUBLISHED/UNPUBLISHED lifecycle.
type RecordingState string

const (
	RecordingPublished   RecordingState = "PUBLISHED"
	RecordingUnpublished RecordingState = "UNPUBLISHED"
)

// Recording is a finished meeting recording, soft-linked to a Tenant
// (spec.md §3).
type Recording struct {
	ID           int64
	RecordID     string
	TenantID     *int64
	ExternalID   string
	State        RecordingState
	Metadata     map[string]string
	Started      *time.Time
	Ended        *time.Time
	Participants int
}

// PlaybackFormat is one named rendition of a Recording (spec.md §3).
type PlaybackFormat struct {
	ID          int64
	RecordingID int64
	Format      string
	XML         string
}

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	var metaRaw []byte
	err := row.Scan(&r.ID, &r.RecordID, &r.TenantID, &r.ExternalID, &r.State, &metaRaw, &r.Started, &r.Ended, &r.Participants)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(metaRaw, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

const recordingColumns = `id, record_id, tenant_id, external_id, state, metadata, started, ended, participants`

// GetRecording loads a recording by its recordId.
func (s *Store) GetRecording(ctx context.Context, recordID string) (*Recording, error) {
	return scanRecording(s.Pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE record_id = $1`, recordID))
}

// UpsertRecording creates or updates a Recording row by recordId, as required
// by spec.md §4.9 step 3's idempotent DB upsert.
func (s *Store) UpsertRecording(ctx context.Context, r *Recording) (*Recording, error) {
	metaRaw, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	row := s.Pool.QueryRow(ctx,
		`INSERT INTO recordings (record_id, tenant_id, external_id, state, metadata, started, ended, participants)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (record_id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id,
		   external_id = EXCLUDED.external_id,
		   metadata = EXCLUDED.metadata,
		   started = EXCLUDED.started,
		   ended = EXCLUDED.ended,
		   participants = EXCLUDED.participants
		 RETURNING `+recordingColumns,
		r.RecordID, r.TenantID, r.ExternalID, r.State, metaRaw, r.Started, r.Ended, r.Participants)
	return scanRecording(row)
}

// SetRecordingState flips PUBLISHED <-> UNPUBLISHED, called after the
// importer atomically renames the on-disk directory (spec.md §4.9).
func (s *Store) SetRecordingState(ctx context.Context, recordID string, state RecordingState) error {
	_, err := s.Pool.Exec(ctx, `UPDATE recordings SET state = $1 WHERE record_id = $2`, state, recordID)
	return err
}

// ListRecordingsByTenant returns every Recording owned by tenantID, for the
// `getRecordings` endpoint.
func (s *Store) ListRecordingsByTenant(ctx context.Context, tenantID int64) ([]*Recording, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAllRecordings returns every Recording row, for the orphan reaper
// (spec.md §4.9 "Deletion") which has no tenant to scope by.
func (s *Store) ListAllRecordings(ctx context.Context) ([]*Recording, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRecording removes the Recording row and its formats (cascade).
func (s *Store) DeleteRecording(ctx context.Context, recordID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM recordings WHERE record_id = $1`, recordID)
	return err
}

// UpsertPlaybackFormat creates or replaces the stored XML for one
// (recordingId, format) pair.
func (s *Store) UpsertPlaybackFormat(ctx context.Context, recordingID int64, format, xml string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO playback_formats (recording_id, format, xml) VALUES ($1, $2, $3)
		 ON CONFLICT (recording_id, format) DO UPDATE SET xml = EXCLUDED.xml`,
		recordingID, format, xml)
	return err
}

// ListPlaybackFormats returns every format row for a recording.
func (s *Store) ListPlaybackFormats(ctx context.Context, recordingID int64) ([]*PlaybackFormat, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, recording_id, format, xml FROM playback_formats WHERE recording_id = $1`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlaybackFormat
	for rows.Next() {
		var f PlaybackFormat
		if err := rows.Scan(&f.ID, &f.RecordingID, &f.Format, &f.XML); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// DeletePlaybackFormat removes one format row, used by the orphan reaper
// when the on-disk directory no longer exists (spec.md §3 invariant 5).
func (s *Store) DeletePlaybackFormat(ctx context.Context, recordingID int64, format string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM playback_formats WHERE recording_id = $1 AND format = $2`, recordingID, format)
	return err
}

// RecordingsWithZeroFormats returns recordIds whose playback_formats set has
// become empty, for the orphan reaper to delete (spec.md §4.9 "Deletion").
func (s *Store) RecordingsWithZeroFormats(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT r.record_id FROM recordings r
		 LEFT JOIN playback_formats f ON f.recording_id = r.id
		 GROUP BY r.record_id
		 HAVING count(f.id) = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
