package feature

import (
	"testing"
	"time"

	"sentryd/internal/baseline"
	"sentryd/internal/store"
)

func eventAt(typ store.EventType, hour int) *store.Event {
	return &store.Event{
		Type:        typ,
		TimestampNs: time.Date(2026, 3, 4, hour, 15, 0, 0, time.UTC).UnixNano(), // a Wednesday
	}
}

func knownSnapshot() *baseline.Snapshot {
	snap := &baseline.Snapshot{Known: true}
	snap.Baseline.ActiveHours[10] = 20
	return snap
}

func TestExtractWidth(t *testing.T) {
	v := Extract(eventAt(store.EventModify, 10), nil, nil)
	if len(v) != Width {
		t.Fatalf("vector width = %d, want %d", len(v), Width)
	}
	if Width != 8+len(store.EventTypes) {
		t.Fatalf("Width constant out of sync with event type count")
	}
}

func TestTimeFeatures(t *testing.T) {
	v := Extract(eventAt(store.EventModify, 14), nil, nil)
	if v[idxHour] != 14 {
		t.Errorf("hour = %v, want 14", v[idxHour])
	}
	if v[idxWeekday] != float64(time.Wednesday) {
		t.Errorf("weekday = %v, want %v", v[idxWeekday], float64(time.Wednesday))
	}
}

func TestOffHoursFeature(t *testing.T) {
	snap := knownSnapshot() // peak at 10, window 06:00-15:00

	tests := []struct {
		name string
		snap *baseline.Snapshot
		hour int
		want float64
	}{
		{"inside window", snap, 10, 0},
		{"outside window", snap, 3, 1},
		{"no snapshot", nil, 3, Unknown},
		{"unknown user", &baseline.Snapshot{}, 3, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Extract(eventAt(store.EventModify, tt.hour), tt.snap, nil)
			if v[idxOffHours] != tt.want {
				t.Errorf("off-hours = %v, want %v", v[idxOffHours], tt.want)
			}
		})
	}
}

func TestDeletionFeatures(t *testing.T) {
	snap := knownSnapshot()
	snap.Baseline.TotalDeletions = 10
	snap.Baseline.DeletionDays = 5 // avg 2
	snap.Baseline.MaxDailyDeletions = 4
	snap.Baseline.DayStartNs = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC).UnixNano()
	snap.Baseline.DeletionsToday = 3

	v := Extract(eventAt(store.EventDelete, 10), snap, nil)
	// This event makes 4 deletions today: 4/2 vs avg, 4/4 vs max.
	if v[idxDeletionVsAvg] != 2.0 {
		t.Errorf("vs avg = %v, want 2.0", v[idxDeletionVsAvg])
	}
	if v[idxDeletionVsMax] != 1.0 {
		t.Errorf("vs max = %v, want 1.0", v[idxDeletionVsMax])
	}

	// A different day starts the count fresh
	snap.Baseline.DayStartNs = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	v = Extract(eventAt(store.EventDelete, 10), snap, nil)
	if v[idxDeletionVsAvg] != 0.5 {
		t.Errorf("vs avg on fresh day = %v, want 0.5", v[idxDeletionVsAvg])
	}

	// Non-deletion events carry zero deviation
	v = Extract(eventAt(store.EventModify, 10), snap, nil)
	if v[idxDeletionVsAvg] != 0 || v[idxDeletionVsMax] != 0 {
		t.Errorf("non-deletion deviations = %v, %v, want 0, 0",
			v[idxDeletionVsAvg], v[idxDeletionVsMax])
	}

	// No deletion history at all
	fresh := knownSnapshot()
	v = Extract(eventAt(store.EventTrash, 10), fresh, nil)
	if v[idxDeletionVsAvg] != Unknown || v[idxDeletionVsMax] != Unknown {
		t.Errorf("deviations without history = %v, %v, want sentinels",
			v[idxDeletionVsAvg], v[idxDeletionVsMax])
	}
}

func TestFileFeatures(t *testing.T) {
	positives := int64(5)
	file := &store.File{
		ID:               "file-1",
		SharedExternally: true,
		ScanPositives:    &positives,
	}

	v := Extract(eventAt(store.EventShareExternal, 10), nil, file)
	if v[idxSharedExternal] != 1 {
		t.Errorf("shared external = %v, want 1", v[idxSharedExternal])
	}
	if v[idxSharedPublic] != 0 {
		t.Errorf("shared public = %v, want 0", v[idxSharedPublic])
	}
	if v[idxScanPositives] != 5 {
		t.Errorf("scan positives = %v, want 5", v[idxScanPositives])
	}

	// Unscanned file
	file.ScanPositives = nil
	v = Extract(eventAt(store.EventShareExternal, 10), nil, file)
	if v[idxScanPositives] != Unknown {
		t.Errorf("unscanned positives = %v, want sentinel", v[idxScanPositives])
	}

	// Unknown file
	v = Extract(eventAt(store.EventShareExternal, 10), nil, nil)
	if v[idxSharedExternal] != Unknown || v[idxSharedPublic] != Unknown || v[idxScanPositives] != Unknown {
		t.Error("missing file should yield sentinels for all file features")
	}
}

func TestOneHotEncoding(t *testing.T) {
	for i, typ := range store.EventTypes {
		v := Extract(eventAt(typ, 10), nil, nil)
		for j := range store.EventTypes {
			want := 0.0
			if j == i {
				want = 1.0
			}
			if v[idxTypeOneHot+j] != want {
				t.Errorf("type %s: one-hot[%d] = %v, want %v", typ, j, v[idxTypeOneHot+j], want)
			}
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	snap := knownSnapshot()
	ev := eventAt(store.EventDelete, 3)
	a := Extract(ev, snap, nil)
	b := Extract(ev, snap, nil)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}
