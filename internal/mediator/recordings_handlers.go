package mediator

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bbblb/bbblb/internal/store"
)

// recordingXML is the subset of BBB's recording XML this balancer renders
// directly from its own Recording/PlaybackFormat rows, without round
// tripping through a backend server (recordings live locally once imported,
// spec.md §4.9).
type recordingXML struct {
	XMLName      xml.Name          `xml:"recording"`
	RecordID     string            `xml:"recordID"`
	MeetingID    string            `xml:"meetingID"`
	Name         string            `xml:"name,omitempty"`
	Published    bool              `xml:"published"`
	State        string            `xml:"state"`
	Participants int               `xml:"participants"`
	Metadata     recordingMetaXML  `xml:"metadata"`
	Playback     recordingPlayback `xml:"playback"`
}

type recordingMetaXML struct {
	Entries []recordingMetaEntry `xml:",any"`
}

type recordingMetaEntry struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type recordingPlayback struct {
	Formats []recordingFormatXML `xml:"format"`
}

type recordingFormatXML struct {
	Type string `xml:"type"`
	URL  string `xml:"url"`
}

func (m *Mediator) toRecordingXML(ctx context.Context, rec *store.Recording) recordingXML {
	formats, _ := m.Store.ListPlaybackFormats(ctx, rec.ID)
	out := recordingXML{
		RecordID:     rec.RecordID,
		MeetingID:    rec.ExternalID,
		Published:    rec.State == store.RecordingPublished,
		State:        string(rec.State),
		Participants: rec.Participants,
	}
	for k, v := range rec.Metadata {
		out.Metadata.Entries = append(out.Metadata.Entries, recordingMetaEntry{XMLName: xml.Name{Local: k}, Value: v})
	}
	for _, f := range formats {
		out.Playback.Formats = append(out.Playback.Formats, recordingFormatXML{Type: f.Format})
	}
	return out
}

// handleGetRecordings lists recordings owned by the calling tenant,
// optionally filtered by a comma-separated recordID list (spec.md §6).
func (m *Mediator) handleGetRecordings(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "getRecordings")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}

	ctx := r.Context()
	all, err := m.Store.ListRecordingsByTenant(ctx, tenant.ID)
	if err != nil {
		m.log.Error().Err(err).Msg("list recordings failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	var wantIDs map[string]struct{}
	if raw := params.Get("recordID"); raw != "" {
		wantIDs = map[string]struct{}{}
		for _, id := range strings.Split(raw, ",") {
			wantIDs[strings.TrimSpace(id)] = struct{}{}
		}
	}

	type envelope struct {
		XMLName    xml.Name       `xml:"response"`
		ReturnCode string         `xml:"returncode"`
		Recordings []recordingXML `xml:"recordings>recording"`
	}
	env := envelope{ReturnCode: "SUCCESS"}
	for _, rec := range all {
		if wantIDs != nil {
			if _, ok := wantIDs[rec.RecordID]; !ok {
				continue
			}
		}
		env.Recordings = append(env.Recordings, m.toRecordingXML(ctx, rec))
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(env)
}

// recordingDir returns the published-state root for a recording: the
// unpublished variant nests one level deeper, per spec.md §6.
func (m *Mediator) recordingDir(tenantName, recordID string) string {
	return filepath.Join(m.Config.RecordingPath, tenantName, recordID)
}

// handlePublishRecordings flips a Recording's published state and performs
// the matching atomic directory rename (spec.md §8 scenario 6).
func (m *Mediator) handlePublishRecordings(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "publishRecordings")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}

	recordID := params.Get("recordID")
	publish, parseErr := strconv.ParseBool(params.Get("publish"))
	if recordID == "" || parseErr != nil {
		writeFailure(w, KindClientError, "recordID and publish are required")
		return
	}

	ctx := r.Context()
	rec, err := m.ownedRecording(ctx, tenant, recordID)
	if err != nil {
		m.writeRecordingLookupError(w, err)
		return
	}

	wantState := store.RecordingUnpublished
	if publish {
		wantState = store.RecordingPublished
	}
	if rec.State == wantState {
		writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
		return
	}

	formats, err := m.Store.ListPlaybackFormats(ctx, rec.ID)
	if err != nil {
		m.log.Error().Err(err).Msg("list playback formats for publish failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}

	root := m.recordingDir(tenant.Name, recordID)
	for _, f := range formats {
		var from, to string
		if publish {
			from = filepath.Join(root, "unpublished", f.Format)
			to = filepath.Join(root, f.Format)
		} else {
			from = filepath.Join(root, f.Format)
			to = filepath.Join(root, "unpublished", f.Format)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			m.log.Error().Err(err).Msg("mkdir for publish rename failed")
			writeFailure(w, KindInternalError, "internal error")
			return
		}
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("format", f.Format).Msg("publish rename failed")
			writeFailure(w, KindInternalError, "internal error")
			return
		}
	}

	if err := m.Store.SetRecordingState(ctx, recordID, wantState); err != nil {
		m.log.Error().Err(err).Msg("set recording state failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}
	writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
}

// handleDeleteRecordings removes a Recording's row and its entire on-disk
// tree.
func (m *Mediator) handleDeleteRecordings(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "deleteRecordings")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	recordID := params.Get("recordID")
	if recordID == "" {
		writeFailure(w, KindClientError, "recordID is required")
		return
	}

	ctx := r.Context()
	if _, err := m.ownedRecording(ctx, tenant, recordID); err != nil {
		m.writeRecordingLookupError(w, err)
		return
	}

	if err := os.RemoveAll(m.recordingDir(tenant.Name, recordID)); err != nil {
		m.log.Error().Err(err).Msg("remove recording directory failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}
	if err := m.Store.DeleteRecording(ctx, recordID); err != nil {
		m.log.Error().Err(err).Msg("delete recording row failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}
	writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
}

// handleUpdateRecordings merges meta_* query parameters into a Recording's
// stored metadata.
func (m *Mediator) handleUpdateRecordings(w http.ResponseWriter, r *http.Request) {
	tenant, params, err := m.authenticate(r, "updateRecordings")
	if err != nil {
		m.writeAuthError(w, err)
		return
	}
	recordID := params.Get("recordID")
	if recordID == "" {
		writeFailure(w, KindClientError, "recordID is required")
		return
	}

	ctx := r.Context()
	rec, err := m.ownedRecording(ctx, tenant, recordID)
	if err != nil {
		m.writeRecordingLookupError(w, err)
		return
	}

	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	for key, vals := range params {
		if !strings.HasPrefix(key, "meta_") || len(vals) == 0 {
			continue
		}
		name := strings.TrimPrefix(key, "meta_")
		if vals[0] == "" {
			delete(rec.Metadata, name)
			continue
		}
		rec.Metadata[name] = vals[0]
	}

	if _, err := m.Store.UpsertRecording(ctx, rec); err != nil {
		m.log.Error().Err(err).Msg("update recording metadata failed")
		writeFailure(w, KindInternalError, "internal error")
		return
	}
	writeSuccess(w, xmlResponse{ReturnCode: "SUCCESS"})
}

// ownedRecording loads a Recording and confirms it belongs to tenant,
// returning store.ErrNotFound otherwise so a tenant cannot probe or mutate
// another tenant's recordings by guessing a recordID.
func (m *Mediator) ownedRecording(ctx context.Context, tenant *store.Tenant, recordID string) (*store.Recording, error) {
	rec, err := m.Store.GetRecording(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID == nil || *rec.TenantID != tenant.ID {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *Mediator) writeRecordingLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeFailure(w, KindNotFound, "recording not found")
		return
	}
	m.log.Error().Err(err).Msg("recording lookup failed")
	writeFailure(w, KindInternalError, "internal error")
}
