package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store represents the SQLite sentryd store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs
// migrations.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration status inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertUser inserts or updates a user's display metadata.
func (s *Store) UpsertUser(u *User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, display_name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email`,
		u.ID, u.DisplayName, u.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns nil if not found.
func (s *Store) GetUser(id string) (*User, error) {
	var u User
	err := s.db.QueryRow(`
		SELECT id, display_name, email FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UpsertFile inserts or replaces a file's metadata.
func (s *Store) UpsertFile(f *File) error {
	parentsJSON, err := json.Marshal(f.Parents)
	if err != nil {
		return fmt.Errorf("marshal parents: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO files
		(id, name, mime_type, created_ns, modified_ns, trashed, parents_json, checksum,
		 shared_externally, shared_publicly, scan_positives, scanned_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.MimeType, f.CreatedNs, f.ModifiedNs, boolToInt(f.Trashed),
		string(parentsJSON), f.Checksum,
		boolToInt(f.SharedExternally), boolToInt(f.SharedPublicly),
		f.ScanPositives, f.ScannedNs,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID. Returns nil if not found.
func (s *Store) GetFile(id string) (*File, error) {
	row := s.db.QueryRow(`
		SELECT id, name, mime_type, created_ns, modified_ns, trashed, parents_json, checksum,
		       shared_externally, shared_publicly, scan_positives, scanned_ns
		FROM files WHERE id = ?`, id,
	)
	return scanFile(row)
}

// FindFileByChecksum finds an existing file with the same content
// fingerprint, excluding excludeID. Used for copy/duplicate detection.
func (s *Store) FindFileByChecksum(checksum, excludeID string) (*File, error) {
	if checksum == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`
		SELECT id, name, mime_type, created_ns, modified_ns, trashed, parents_json, checksum,
		       shared_externally, shared_publicly, scan_positives, scanned_ns
		FROM files WHERE checksum = ? AND id != ? LIMIT 1`, checksum, excludeID,
	)
	return scanFile(row)
}

// InsertEvent inserts a new event, ignoring duplicates by idempotency key.
// Returns the event ID and whether a row was actually inserted; a previously
// seen change_id reports inserted=false with the existing row's ID.
func (s *Store) InsertEvent(e *Event) (int64, bool, error) {
	result, err := s.db.Exec(`
		INSERT OR IGNORE INTO events
		(change_id, file_id, event_type, actor_id, ts_ns, details_json, analyzed, needs_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChangeID, e.FileID, string(e.Type), e.ActorID, e.TimestampNs, e.Details,
		boolToInt(e.Analyzed), boolToInt(e.NeedsReview),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("get rows affected: %w", err)
	}

	if affected == 0 {
		existing, err := s.GetEventByChangeID(e.ChangeID)
		if err != nil {
			return 0, false, err
		}
		if existing == nil {
			return 0, false, fmt.Errorf("duplicate change_id %q not found after ignore", e.ChangeID)
		}
		return existing.ID, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("get last insert id: %w", err)
	}
	return id, true, nil
}

// GetEvent retrieves an event by ID. Returns nil if not found.
func (s *Store) GetEvent(id int64) (*Event, error) {
	row := s.db.QueryRow(eventSelect+` WHERE id = ?`, id)
	return scanEventRow(row)
}

// GetEventByChangeID retrieves an event by its idempotency key.
func (s *Store) GetEventByChangeID(changeID string) (*Event, error) {
	row := s.db.QueryRow(eventSelect+` WHERE change_id = ?`, changeID)
	return scanEventRow(row)
}

// UnanalyzedEvents retrieves up to limit events not yet analyzed, in
// ascending timestamp order. This is the engine's work queue.
func (s *Store) UnanalyzedEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(eventSelect+`
		WHERE analyzed = 0 AND needs_review = 0
		ORDER BY ts_ns ASC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unanalyzed events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkEventAnalyzed flips the analyzed flag. The only permitted transition
// is false to true.
func (s *Store) MarkEventAnalyzed(id int64) error {
	result, err := s.db.Exec(`UPDATE events SET analyzed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark analyzed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event not found: %d", id)
	}
	return nil
}

// MarkEventNeedsReview flags an event whose scoring failed so it is kept out
// of the work queue but never silently scored as benign.
func (s *Store) MarkEventNeedsReview(id int64) error {
	_, err := s.db.Exec(`UPDATE events SET needs_review = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark needs review: %w", err)
	}
	return nil
}

// GetBaseline retrieves a user's baseline. Returns nil if the user has
// never been seen.
func (s *Store) GetBaseline(userID string) (*Baseline, error) {
	var b Baseline
	var hoursJSON string
	var massCleanup int

	err := s.db.QueryRow(`
		SELECT user_id, active_hours_json, total_deletions, deletion_days,
		       max_daily_deletions, day_start_ns, deletions_today,
		       mass_cleanup_ever, last_event_ns, updated_ns
		FROM user_baselines WHERE user_id = ?`, userID,
	).Scan(&b.UserID, &hoursJSON, &b.TotalDeletions, &b.DeletionDays,
		&b.MaxDailyDeletions, &b.DayStartNs, &b.DeletionsToday,
		&massCleanup, &b.LastEventNs, &b.UpdatedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get baseline: %w", err)
	}

	b.MassCleanupEver = massCleanup != 0
	var hours []int64
	if err := json.Unmarshal([]byte(hoursJSON), &hours); err != nil {
		return nil, fmt.Errorf("unmarshal active hours: %w", err)
	}
	copy(b.ActiveHours[:], hours)

	return &b, nil
}

// PutBaseline writes a user's baseline.
func (s *Store) PutBaseline(b *Baseline) error {
	hoursJSON, err := json.Marshal(b.ActiveHours[:])
	if err != nil {
		return fmt.Errorf("marshal active hours: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO user_baselines
		(user_id, active_hours_json, total_deletions, deletion_days,
		 max_daily_deletions, day_start_ns, deletions_today,
		 mass_cleanup_ever, last_event_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UserID, string(hoursJSON), b.TotalDeletions, b.DeletionDays,
		b.MaxDailyDeletions, b.DayStartNs, b.DeletionsToday,
		boolToInt(b.MassCleanupEver), b.LastEventNs, b.UpdatedNs,
	)
	if err != nil {
		return fmt.Errorf("put baseline: %w", err)
	}
	return nil
}

// InsertNarrative inserts a new narrative.
func (s *Store) InsertNarrative(n *Narrative) error {
	_, err := s.db.Exec(`
		INSERT INTO narratives
		(id, narrative_type, actor_id, start_ns, end_ns, score, status, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.ActorID, n.StartNs, n.EndNs, n.Score,
		string(n.Status), n.CreatedNs, n.UpdatedNs,
	)
	if err != nil {
		return fmt.Errorf("insert narrative: %w", err)
	}
	return nil
}

// GetNarrative retrieves a narrative by ID. Returns nil if not found.
func (s *Store) GetNarrative(id string) (*Narrative, error) {
	var n Narrative
	var nType, status string

	err := s.db.QueryRow(`
		SELECT id, narrative_type, actor_id, start_ns, end_ns, score, status, created_ns, updated_ns
		FROM narratives WHERE id = ?`, id,
	).Scan(&n.ID, &nType, &n.ActorID, &n.StartNs, &n.EndNs, &n.Score, &status, &n.CreatedNs, &n.UpdatedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get narrative: %w", err)
	}

	n.Type = NarrativeType(nType)
	n.Status = NarrativeStatus(status)
	return &n, nil
}

// LatestOpenNarrative finds the merge candidate for an actor: an open
// narrative (status new or reviewed) whose span end is at or after sinceNs,
// most recently active first, largest score as tie-break. Returns nil when
// no candidate exists.
func (s *Store) LatestOpenNarrative(actorID string, sinceNs int64) (*Narrative, error) {
	var n Narrative
	var nType, status string

	err := s.db.QueryRow(`
		SELECT id, narrative_type, actor_id, start_ns, end_ns, score, status, created_ns, updated_ns
		FROM narratives
		WHERE actor_id = ? AND status IN ('new', 'reviewed') AND end_ns >= ?
		ORDER BY end_ns DESC, score DESC
		LIMIT 1`, actorID, sinceNs,
	).Scan(&n.ID, &nType, &n.ActorID, &n.StartNs, &n.EndNs, &n.Score, &status, &n.CreatedNs, &n.UpdatedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open narrative: %w", err)
	}

	n.Type = NarrativeType(nType)
	n.Status = NarrativeStatus(status)
	return &n, nil
}

// ListNarratives returns narratives, optionally filtered by status, most
// recently active first.
func (s *Store) ListNarratives(status NarrativeStatus, limit int) ([]Narrative, error) {
	query := `
		SELECT id, narrative_type, actor_id, start_ns, end_ns, score, status, created_ns, updated_ns
		FROM narratives`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY end_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query narratives: %w", err)
	}
	defer rows.Close()

	var narratives []Narrative
	for rows.Next() {
		var n Narrative
		var nType, st string
		if err := rows.Scan(&n.ID, &nType, &n.ActorID, &n.StartNs, &n.EndNs,
			&n.Score, &st, &n.CreatedNs, &n.UpdatedNs); err != nil {
			return nil, fmt.Errorf("scan narrative: %w", err)
		}
		n.Type = NarrativeType(nType)
		n.Status = NarrativeStatus(st)
		narratives = append(narratives, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate narratives: %w", err)
	}
	return narratives, nil
}

// UpdateNarrativeSpan updates a narrative's time span and score after a
// member event is appended.
func (s *Store) UpdateNarrativeSpan(id string, startNs, endNs int64, score float64, updatedNs int64) error {
	result, err := s.db.Exec(`
		UPDATE narratives SET start_ns = ?, end_ns = ?, score = ?, updated_ns = ?
		WHERE id = ?`,
		startNs, endNs, score, updatedNs, id,
	)
	if err != nil {
		return fmt.Errorf("update narrative span: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("narrative not found: %s", id)
	}
	return nil
}

// UpdateNarrativeStatus transitions a narrative's review status. The
// transition is applied only if the narrative currently holds from; a stale
// from reports an error so concurrent reviewers cannot clobber each other.
func (s *Store) UpdateNarrativeStatus(id string, from, to NarrativeStatus, updatedNs int64) error {
	result, err := s.db.Exec(`
		UPDATE narratives SET status = ?, updated_ns = ?
		WHERE id = ? AND status = ?`,
		string(to), updatedNs, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update narrative status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("narrative %s not in status %q", id, from)
	}
	return nil
}

// AppendNarrativeEvent adds a member event with its stage label.
func (s *Store) AppendNarrativeEvent(ne *NarrativeEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO narrative_events (narrative_id, event_id, stage, added_ns)
		VALUES (?, ?, ?, ?)`,
		ne.NarrativeID, ne.EventID, string(ne.Stage), ne.AddedNs,
	)
	if err != nil {
		return fmt.Errorf("append narrative event: %w", err)
	}
	return nil
}

// NarrativeEvents retrieves a narrative's members in insertion order.
func (s *Store) NarrativeEvents(narrativeID string) ([]NarrativeEvent, error) {
	rows, err := s.db.Query(`
		SELECT narrative_id, event_id, stage, added_ns
		FROM narrative_events
		WHERE narrative_id = ?
		ORDER BY added_ns ASC, event_id ASC`, narrativeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query narrative events: %w", err)
	}
	defer rows.Close()

	var members []NarrativeEvent
	for rows.Next() {
		var ne NarrativeEvent
		var stage string
		if err := rows.Scan(&ne.NarrativeID, &ne.EventID, &stage, &ne.AddedNs); err != nil {
			return nil, fmt.Errorf("scan narrative event: %w", err)
		}
		ne.Stage = Stage(stage)
		members = append(members, ne)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate narrative events: %w", err)
	}

	return members, nil
}

// HasStage reports whether any member of the narrative carries the stage.
func (s *Store) HasStage(narrativeID string, stage Stage) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM narrative_events
		WHERE narrative_id = ? AND stage = ?`, narrativeID, string(stage),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count stage members: %w", err)
	}
	return count > 0, nil
}

// DeleteNarrative removes a narrative; its membership rows cascade.
func (s *Store) DeleteNarrative(id string) error {
	_, err := s.db.Exec(`DELETE FROM narratives WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete narrative: %w", err)
	}
	return nil
}

const eventSelect = `
	SELECT id, change_id, file_id, event_type, actor_id, ts_ns, details_json, analyzed, needs_review
	FROM events`

// scanEventRow scans a single event row, mapping sql.ErrNoRows to nil.
func scanEventRow(row *sql.Row) (*Event, error) {
	var e Event
	var eventType string
	var analyzed, needsReview int

	err := row.Scan(&e.ID, &e.ChangeID, &e.FileID, &eventType, &e.ActorID,
		&e.TimestampNs, &e.Details, &analyzed, &needsReview)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	e.Type = EventType(eventType)
	e.Analyzed = analyzed != 0
	e.NeedsReview = needsReview != 0
	return &e, nil
}

// scanEvents is a helper to scan event rows into a slice.
func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event

	for rows.Next() {
		var e Event
		var eventType string
		var analyzed, needsReview int

		if err := rows.Scan(&e.ID, &e.ChangeID, &e.FileID, &eventType, &e.ActorID,
			&e.TimestampNs, &e.Details, &analyzed, &needsReview); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.Type = EventType(eventType)
		e.Analyzed = analyzed != 0
		e.NeedsReview = needsReview != 0
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// scanFile scans a single file row, mapping sql.ErrNoRows to nil.
func scanFile(row *sql.Row) (*File, error) {
	var f File
	var parentsJSON sql.NullString
	var trashed, sharedExt, sharedPub int

	err := row.Scan(&f.ID, &f.Name, &f.MimeType, &f.CreatedNs, &f.ModifiedNs,
		&trashed, &parentsJSON, &f.Checksum, &sharedExt, &sharedPub,
		&f.ScanPositives, &f.ScannedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get file: %w", err)
	}

	f.Trashed = trashed != 0
	f.SharedExternally = sharedExt != 0
	f.SharedPublicly = sharedPub != 0

	if parentsJSON.Valid && parentsJSON.String != "" {
		if err := json.Unmarshal([]byte(parentsJSON.String), &f.Parents); err != nil {
			return nil, fmt.Errorf("unmarshal parents: %w", err)
		}
	}

	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
