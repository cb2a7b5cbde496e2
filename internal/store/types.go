// Package store provides SQLite-based persistence for sentryd.
package store

// EventType identifies the kind of audit event.
type EventType string

const (
	EventCreate           EventType = "file_created"
	EventCopy             EventType = "file_copied"
	EventRename           EventType = "file_renamed"
	EventMove             EventType = "file_moved"
	EventModify           EventType = "file_modified"
	EventTrash            EventType = "file_trashed"
	EventDelete           EventType = "file_deleted_permanently"
	EventShareExternal    EventType = "file_shared_externally"
	EventSharePublic      EventType = "file_made_public"
	EventPermissionChange EventType = "permission_change_internal"
)

// EventTypes lists every known event type in canonical order.
// The feature extractor's one-hot encoding depends on this order.
var EventTypes = []EventType{
	EventCreate, EventCopy, EventRename, EventMove, EventModify,
	EventTrash, EventDelete, EventShareExternal, EventSharePublic,
	EventPermissionChange,
}

// IsDeletion reports whether t removes content (trash or permanent delete).
func (t EventType) IsDeletion() bool {
	return t == EventTrash || t == EventDelete
}

// IsSharing reports whether t widens a file's sharing surface.
func (t EventType) IsSharing() bool {
	return t == EventShareExternal || t == EventSharePublic
}

// User is a monitored platform account.
type User struct {
	ID          string
	DisplayName string
	Email       string
}

// File holds the platform metadata for a tracked file. Checksum is the
// content fingerprint and is stable across renames, which is what makes
// copy detection possible.
type File struct {
	ID               string
	Name             string
	MimeType         string
	CreatedNs        int64
	ModifiedNs       int64
	Trashed          bool
	Parents          []string
	Checksum         string
	SharedExternally bool
	SharedPublicly   bool
	ScanPositives    *int64
	ScannedNs        *int64
}

// Event is one immutable audit record. ChangeID is the source-assigned
// idempotency key; re-inserting the same ChangeID is a no-op. FileID and
// ActorID are nullable: the file may have been deleted since, the actor may
// be the platform itself. Only Analyzed and NeedsReview ever change after
// insert.
type Event struct {
	ID          int64
	ChangeID    string
	FileID      *string
	Type        EventType
	ActorID     *string
	TimestampNs int64
	Details     string
	Analyzed    bool
	NeedsReview bool
}

// Baseline is the rolling behavioral profile for one user. Mutated only by
// the baseline tracker, one event at a time, in timestamp order.
type Baseline struct {
	UserID string

	// ActiveHours counts attributed events per hour-of-day (UTC).
	ActiveHours [24]int64

	// Deletion statistics. TotalDeletions and DeletionDays feed the
	// historical daily average; MaxDailyDeletions is the historical
	// single-day maximum and is non-decreasing.
	TotalDeletions    int64
	DeletionDays      int64
	MaxDailyDeletions int64

	// Current UTC day bucket.
	DayStartNs     int64
	DeletionsToday int64

	// MassCleanupEver latches true permanently once a single day's
	// deletions cross the configured multiple of the historical average.
	MassCleanupEver bool

	LastEventNs int64
	UpdatedNs   int64
}

// AvgDailyDeletions returns the historical average deletions per active day.
func (b *Baseline) AvgDailyDeletions() float64 {
	if b.DeletionDays == 0 {
		return 0
	}
	return float64(b.TotalDeletions) / float64(b.DeletionDays)
}

// NarrativeType categorizes what a narrative's event sequence looks like.
type NarrativeType string

const (
	NarrativeExfiltration NarrativeType = "data_exfiltration"
	NarrativeMassDeletion NarrativeType = "mass_deletion"
	NarrativeAnomalous    NarrativeType = "behavioral_anomaly"
)

// NarrativeStatus is the review lifecycle state.
type NarrativeStatus string

const (
	StatusNew       NarrativeStatus = "new"
	StatusReviewed  NarrativeStatus = "reviewed"
	StatusDismissed NarrativeStatus = "dismissed"
	StatusConfirmed NarrativeStatus = "confirmed"
)

// Open reports whether the status still admits new member events.
func (s NarrativeStatus) Open() bool {
	return s == StatusNew || s == StatusReviewed
}

// Stage labels an event's role within a narrative's progression.
type Stage string

const (
	StageReconnaissance Stage = "reconnaissance"
	StageStaging        Stage = "staging"
	StageExfiltration   Stage = "exfiltration"
	StageCleanup        Stage = "cleanup"
)

// Narrative is a cluster of correlated anomalous events for one actor.
type Narrative struct {
	ID        string
	Type      NarrativeType
	ActorID   string
	StartNs   int64
	EndNs     int64
	Score     float64
	Status    NarrativeStatus
	CreatedNs int64
	UpdatedNs int64
}

// NarrativeEvent joins an event into a narrative with its stage label.
type NarrativeEvent struct {
	NarrativeID string
	EventID     int64
	Stage       Stage
	AddedNs     int64
}
