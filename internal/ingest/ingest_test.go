package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"sentryd/internal/store"
)

func testIngestor(t *testing.T) (*Ingestor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sentryd.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	in, err := New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return in, s
}

const validPayload = `{
	"change_id": "chg-001",
	"event_type": "file_shared_externally",
	"timestamp": "2026-05-04T22:30:00Z",
	"actor": {"id": "user-1", "display_name": "Dana Reyes", "email": "dana@example.com"},
	"file": {
		"id": "file-1",
		"name": "payroll.xlsx",
		"mime_type": "application/vnd.ms-excel",
		"checksum": "sha-abc",
		"shared_externally": true,
		"parents": ["folder-hr"]
	},
	"details": {"target_domain": "gmail.com"}
}`

func TestIngestValidPayload(t *testing.T) {
	in, s := testIngestor(t)

	res, err := in.IngestBatch([][]byte{[]byte(validPayload)})
	if err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if res.Accepted != 1 || res.Rejected != 0 || res.Duplicates != 0 {
		t.Fatalf("result = %+v, want 1 accepted", res)
	}

	ev, err := s.GetEventByChangeID("chg-001")
	if err != nil {
		t.Fatalf("GetEventByChangeID failed: %v", err)
	}
	if ev == nil {
		t.Fatal("event not stored")
	}
	if ev.Type != store.EventShareExternal {
		t.Errorf("type = %q, want %q", ev.Type, store.EventShareExternal)
	}
	if ev.ActorID == nil || *ev.ActorID != "user-1" {
		t.Errorf("actor = %v, want user-1", ev.ActorID)
	}
	if ev.Analyzed {
		t.Error("new event must start unanalyzed")
	}

	u, err := s.GetUser("user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if u == nil || u.Email != "dana@example.com" {
		t.Errorf("user not upserted: %+v", u)
	}

	f, err := s.GetFile("file-1")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if f == nil || !f.SharedExternally || f.Checksum != "sha-abc" {
		t.Errorf("file not upserted: %+v", f)
	}

	var details map[string]interface{}
	if err := json.Unmarshal([]byte(ev.Details), &details); err != nil {
		t.Fatalf("details not valid JSON: %v", err)
	}
	if details["target_domain"] != "gmail.com" {
		t.Errorf("details = %v", details)
	}
}

func TestIngestDuplicateChangeID(t *testing.T) {
	in, s := testIngestor(t)

	res, err := in.IngestBatch([][]byte{[]byte(validPayload), []byte(validPayload)})
	if err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if res.Accepted != 1 || res.Duplicates != 1 {
		t.Fatalf("result = %+v, want 1 accepted 1 duplicate", res)
	}

	// Replaying the whole batch later changes nothing
	res, err = in.IngestBatch([][]byte{[]byte(validPayload)})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if res.Accepted != 0 || res.Duplicates != 1 {
		t.Fatalf("replay result = %+v, want all duplicates", res)
	}

	events, err := s.UnanalyzedEvents(10)
	if err != nil {
		t.Fatalf("UnanalyzedEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("stored events = %d, want 1", len(events))
	}
}

func TestIngestRejectsInvalidPayloads(t *testing.T) {
	in, _ := testIngestor(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing change_id", `{"event_type": "file_modified", "timestamp": "2026-05-04T10:00:00Z"}`},
		{"unknown event type", `{"change_id": "c1", "event_type": "file_teleported", "timestamp": "2026-05-04T10:00:00Z"}`},
		{"missing timestamp", `{"change_id": "c1", "event_type": "file_modified"}`},
		{"actor without id", `{"change_id": "c1", "event_type": "file_modified", "timestamp": "2026-05-04T10:00:00Z", "actor": {"email": "x@y.z"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := in.IngestBatch([][]byte{[]byte(tt.payload)})
			if err != nil {
				t.Fatalf("IngestBatch errored instead of rejecting: %v", err)
			}
			if res.Rejected != 1 || res.Accepted != 0 {
				t.Errorf("result = %+v, want 1 rejected", res)
			}
		})
	}
}

func TestIngestRejectionDoesNotAbortBatch(t *testing.T) {
	in, _ := testIngestor(t)

	res, err := in.IngestBatch([][]byte{
		[]byte(`{"bad": true}`),
		[]byte(validPayload),
	})
	if err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if res.Rejected != 1 || res.Accepted != 1 {
		t.Errorf("result = %+v, want 1 rejected 1 accepted", res)
	}
}

func TestIngestActorlessEvent(t *testing.T) {
	in, s := testIngestor(t)

	payload := `{
		"change_id": "chg-sys",
		"event_type": "permission_change_internal",
		"timestamp": "2026-05-04T03:00:00Z"
	}`
	res, err := in.IngestBatch([][]byte{[]byte(payload)})
	if err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("result = %+v, want 1 accepted", res)
	}

	ev, err := s.GetEventByChangeID("chg-sys")
	if err != nil {
		t.Fatalf("GetEventByChangeID failed: %v", err)
	}
	if ev.ActorID != nil || ev.FileID != nil {
		t.Errorf("expected nil references, got %v %v", ev.ActorID, ev.FileID)
	}
}

func TestIngestAnnotatesDuplicateContent(t *testing.T) {
	in, s := testIngestor(t)

	original := `{
		"change_id": "chg-orig",
		"event_type": "file_created",
		"timestamp": "2026-05-04T10:00:00Z",
		"file": {"id": "file-orig", "name": "roadmap.docx", "checksum": "sha-dup"}
	}`
	// Copied under a different name: same checksum, new file ID
	copied := `{
		"change_id": "chg-copy",
		"event_type": "file_copied",
		"timestamp": "2026-05-04T10:05:00Z",
		"file": {"id": "file-copy", "name": "notes.docx", "checksum": "sha-dup"}
	}`

	res, err := in.IngestBatch([][]byte{[]byte(original), []byte(copied)})
	if err != nil {
		t.Fatalf("IngestBatch failed: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("result = %+v, want 2 accepted", res)
	}

	ev, err := s.GetEventByChangeID("chg-copy")
	if err != nil {
		t.Fatalf("GetEventByChangeID failed: %v", err)
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(ev.Details), &details); err != nil {
		t.Fatalf("details not valid JSON: %v", err)
	}
	if details["duplicate_of"] != "file-orig" {
		t.Errorf("duplicate_of = %v, want file-orig", details["duplicate_of"])
	}
	if !strings.Contains(ev.Details, "roadmap.docx") {
		t.Errorf("details should name the original file: %s", ev.Details)
	}

	// The original itself carries no annotation
	ev, err = s.GetEventByChangeID("chg-orig")
	if err != nil {
		t.Fatalf("GetEventByChangeID failed: %v", err)
	}
	if strings.Contains(ev.Details, "duplicate_of") {
		t.Errorf("original annotated as duplicate: %s", ev.Details)
	}
}
