// Package ingest is the boundary where an external change-feed poller
// hands audit events over.
//
// Each raw payload is validated against the audit-event JSON Schema,
// referenced users and files are upserted, and the event row is inserted
// under its source-assigned change ID. Re-delivering a payload is a no-op:
// the change ID is unique in storage and duplicates are silently dropped,
// so a crashed poller can safely replay its last page.
package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sentryd/internal/store"
)

//go:embed audit_event_v1.schema.json
var auditEventSchemaJSON []byte

// Result summarizes one batch.
type Result struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Ingestor validates and persists audit event payloads.
type Ingestor struct {
	store  *store.Store
	schema *jsonschema.Schema
	log    *slog.Logger
}

// New creates an ingestor over the given store.
func New(s *store.Store, log *slog.Logger) (*Ingestor, error) {
	schema, err := jsonschema.CompileString("audit_event_v1.schema.json", string(auditEventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile audit event schema: %w", err)
	}
	return &Ingestor{store: s, schema: schema, log: log}, nil
}

// IngestBatch processes a batch of raw payloads. Invalid payloads are
// rejected and logged; the batch continues. Only storage failures abort.
func (in *Ingestor) IngestBatch(payloads [][]byte) (Result, error) {
	var res Result
	for i, raw := range payloads {
		inserted, err := in.ingestOne(raw)
		if err != nil {
			if isStorageError(err) {
				return res, fmt.Errorf("payload %d: %w", i, err)
			}
			in.log.Warn("rejected audit event payload", "index", i, "error", err)
			res.Rejected++
			continue
		}
		if inserted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}

type rejectionError struct{ err error }

func (e rejectionError) Error() string { return e.err.Error() }
func (e rejectionError) Unwrap() error { return e.err }

func isStorageError(err error) bool {
	_, rejected := err.(rejectionError)
	return !rejected
}

func reject(format string, args ...interface{}) error {
	return rejectionError{fmt.Errorf(format, args...)}
}

type actorPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type filePayload struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	MimeType         string     `json:"mime_type"`
	CreatedAt        *time.Time `json:"created_at"`
	ModifiedAt       *time.Time `json:"modified_at"`
	Trashed          bool       `json:"trashed"`
	Parents          []string   `json:"parents"`
	Checksum         string     `json:"checksum"`
	SharedExternally bool       `json:"shared_externally"`
	SharedPublicly   bool       `json:"shared_publicly"`
	ScanPositives    *int64     `json:"scan_positives"`
	ScannedAt        *time.Time `json:"scanned_at"`
}

type eventPayload struct {
	ChangeID  string                 `json:"change_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     *actorPayload          `json:"actor"`
	File      *filePayload           `json:"file"`
	Details   map[string]interface{} `json:"details"`
}

func (in *Ingestor) ingestOne(raw []byte) (inserted bool, err error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return false, reject("parse payload: %v", err)
	}
	if err := in.schema.Validate(generic); err != nil {
		return false, reject("payload failed schema validation: %v", err)
	}

	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, reject("decode payload: %v", err)
	}

	var actorID *string
	if p.Actor != nil {
		if err := in.store.UpsertUser(&store.User{
			ID:          p.Actor.ID,
			DisplayName: p.Actor.DisplayName,
			Email:       p.Actor.Email,
		}); err != nil {
			return false, err
		}
		actorID = &p.Actor.ID
	}

	var fileID *string
	if p.File != nil {
		if err := in.upsertFile(p.File); err != nil {
			return false, err
		}
		fileID = &p.File.ID

		if err := in.annotateDuplicate(&p); err != nil {
			return false, err
		}
	}

	details := ""
	if p.Details != nil {
		d, err := json.Marshal(p.Details)
		if err != nil {
			return false, reject("encode details: %v", err)
		}
		details = string(d)
	}

	_, inserted, err = in.store.InsertEvent(&store.Event{
		ChangeID:    p.ChangeID,
		FileID:      fileID,
		Type:        store.EventType(p.EventType),
		ActorID:     actorID,
		TimestampNs: p.Timestamp.UnixNano(),
		Details:     details,
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (in *Ingestor) upsertFile(fp *filePayload) error {
	f := &store.File{
		ID:               fp.ID,
		Name:             fp.Name,
		MimeType:         fp.MimeType,
		Trashed:          fp.Trashed,
		Parents:          fp.Parents,
		Checksum:         fp.Checksum,
		SharedExternally: fp.SharedExternally,
		SharedPublicly:   fp.SharedPublicly,
		ScanPositives:    fp.ScanPositives,
	}
	if fp.CreatedAt != nil {
		f.CreatedNs = fp.CreatedAt.UnixNano()
	}
	if fp.ModifiedAt != nil {
		f.ModifiedNs = fp.ModifiedAt.UnixNano()
	}
	if fp.ScannedAt != nil {
		ns := fp.ScannedAt.UnixNano()
		f.ScannedNs = &ns
	}
	return in.store.UpsertFile(f)
}

// annotateDuplicate marks create/copy events whose content fingerprint
// already exists under another file ID. The checksum survives renames, so
// this catches "copy then rename" staging of sensitive content.
func (in *Ingestor) annotateDuplicate(p *eventPayload) error {
	t := store.EventType(p.EventType)
	if t != store.EventCreate && t != store.EventCopy {
		return nil
	}
	if p.File == nil || p.File.Checksum == "" {
		return nil
	}

	existing, err := in.store.FindFileByChecksum(p.File.Checksum, p.File.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if p.Details == nil {
		p.Details = make(map[string]interface{})
	}
	p.Details["duplicate_of"] = existing.ID
	p.Details["duplicate_name"] = existing.Name
	return nil
}
