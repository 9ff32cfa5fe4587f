package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"polwatch/api/internal/snapshot"
	"polwatch/api/internal/store"
)

type fakeStore struct {
	maxChangedAt *time.Time
	policies     []store.PolicyRecord
	logged       map[string]time.Time // policyID -> newest change_log changed_at
	entries      []store.ChangeLogEntry
	insertErrFor string
}

func (f *fakeStore) MaxChangedAt(context.Context) (*time.Time, error) {
	return f.maxChangedAt, nil
}

func (f *fakeStore) ListPoliciesChangedSince(_ context.Context, since time.Time) ([]store.PolicyRecord, error) {
	var out []store.PolicyRecord
	for _, p := range f.policies {
		if p.LastModifiedAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) HasChangeLogSince(_ context.Context, policyID string, since time.Time) (bool, error) {
	at, ok := f.logged[policyID]
	if !ok {
		return false, nil
	}
	return !at.Before(since), nil
}

func (f *fakeStore) InsertChangeLog(_ context.Context, entry store.ChangeLogEntry) error {
	if entry.PolicyID == f.insertErrFor {
		return errors.New("insert failed")
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeBaseline struct {
	snapshots map[string][]byte
}

func (f *fakeBaseline) Latest(_ context.Context, policyID string) ([]byte, error) {
	return f.snapshots[policyID], nil
}

func (f *fakeBaseline) Store(_ context.Context, policyID string, raw []byte) error {
	f.snapshots[policyID] = raw
	return nil
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad time literal %q: %v", value, err)
	}
	return parsed
}

func newTestDetector(fs *fakeStore, grace time.Duration, now time.Time) *Detector {
	d := New(fs, nil, 3, grace)
	d.now = func() time.Time { return now }
	return d
}

func TestRunClassifiesNewAndUpdate(t *testing.T) {
	watermark := at(t, "2026-03-01T03:00:00Z")
	now := at(t, "2026-03-02T03:00:00Z")
	fs := &fakeStore{
		maxChangedAt: &watermark,
		policies: []store.PolicyRecord{
			{ID: "pol_old", Name: "Existing Policy", CreatedAt: at(t, "2025-11-15T09:00:00Z"), LastModifiedAt: at(t, "2026-03-01T12:00:00Z")},
			{ID: "pol_new", Name: "Brand New Policy", CreatedAt: at(t, "2026-03-01T12:00:00Z"), LastModifiedAt: at(t, "2026-03-01T12:00:00Z")},
		},
		logged: map[string]time.Time{},
	}

	result, err := newTestDetector(fs, 0, now).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Logged != 2 {
		t.Fatalf("logged = %d, want 2", result.Logged)
	}
	types := map[string]string{}
	for _, entry := range fs.entries {
		types[entry.PolicyID] = entry.ChangeType
		if entry.BeforeValue != nil {
			t.Fatalf("no baseline configured, before value must be nil")
		}
		snap, err := snapshot.Decode(entry.AfterValue)
		if err != nil {
			t.Fatalf("after value must decode: %v", err)
		}
		if snap.Name == "" {
			t.Fatalf("after snapshot missing policy name")
		}
	}
	if types["pol_old"] != store.ChangeTypeUpdate {
		t.Fatalf("pre-existing policy must log UPDATE, got %q", types["pol_old"])
	}
	if types["pol_new"] != store.ChangeTypeNew {
		t.Fatalf("policy created after the watermark must log NEW, got %q", types["pol_new"])
	}
}

func TestRunDefaultsWatermarkToYesterdayMidnight(t *testing.T) {
	now := at(t, "2026-03-02T15:30:00Z")
	fs := &fakeStore{logged: map[string]time.Time{}}

	result, err := newTestDetector(fs, 0, now).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := at(t, "2026-03-01T00:00:00Z")
	if !result.Watermark.Equal(want) {
		t.Fatalf("watermark = %s, want %s", result.Watermark, want)
	}
}

func TestRunIsolatesPerRecordFailures(t *testing.T) {
	watermark := at(t, "2026-03-01T03:00:00Z")
	fs := &fakeStore{
		maxChangedAt: &watermark,
		policies: []store.PolicyRecord{
			{ID: "pol_ok", CreatedAt: at(t, "2025-01-01T00:00:00Z"), LastModifiedAt: at(t, "2026-03-01T10:00:00Z")},
			{ID: "pol_bad", CreatedAt: at(t, "2025-01-01T00:00:00Z"), LastModifiedAt: at(t, "2026-03-01T11:00:00Z")},
		},
		logged:       map[string]time.Time{},
		insertErrFor: "pol_bad",
	}

	result, err := newTestDetector(fs, 0, at(t, "2026-03-02T03:00:00Z")).Run(context.Background())
	if err != nil {
		t.Fatalf("one bad record must not abort the run: %v", err)
	}
	if result.Logged != 1 || result.Failed != 1 {
		t.Fatalf("logged=%d failed=%d, want 1 and 1", result.Logged, result.Failed)
	}
	if len(fs.entries) != 1 || fs.entries[0].PolicyID != "pol_ok" {
		t.Fatalf("healthy record must still be logged")
	}
}

func TestRunSkipsAlreadyLoggedRecordsInGraceWindow(t *testing.T) {
	watermark := at(t, "2026-03-02T03:00:00Z")
	fs := &fakeStore{
		maxChangedAt: &watermark,
		policies: []store.PolicyRecord{
			// Modified within the grace window but captured by the previous run.
			{ID: "pol_done", CreatedAt: at(t, "2025-01-01T00:00:00Z"), LastModifiedAt: at(t, "2026-03-01T10:00:00Z")},
			// Modified within the grace window and never captured (failed last run).
			{ID: "pol_retry", CreatedAt: at(t, "2025-01-01T00:00:00Z"), LastModifiedAt: at(t, "2026-03-01T11:00:00Z")},
		},
		logged: map[string]time.Time{
			"pol_done": at(t, "2026-03-02T03:00:00Z"),
		},
	}

	result, err := newTestDetector(fs, 24*time.Hour, at(t, "2026-03-03T03:00:00Z")).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", result.Skipped)
	}
	if result.Logged != 1 {
		t.Fatalf("logged = %d, want 1", result.Logged)
	}
	if len(fs.entries) != 1 || fs.entries[0].PolicyID != "pol_retry" {
		t.Fatalf("only the missed record should be retried, got %v", fs.entries)
	}
}

func TestRunCarriesBaselineSnapshots(t *testing.T) {
	watermark := at(t, "2026-03-01T03:00:00Z")
	prior := []byte(`{"version":1,"summary":"old cap"}`)
	fs := &fakeStore{
		maxChangedAt: &watermark,
		policies: []store.PolicyRecord{
			{ID: "pol_1", Name: "Youth Housing Grant", CreatedAt: at(t, "2025-01-01T00:00:00Z"), LastModifiedAt: at(t, "2026-03-01T10:00:00Z")},
		},
		logged: map[string]time.Time{},
	}
	baseline := &fakeBaseline{snapshots: map[string][]byte{"pol_1": prior}}

	d := New(fs, baseline, 3, 0)
	d.now = func() time.Time { return at(t, "2026-03-02T03:00:00Z") }
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if string(fs.entries[0].BeforeValue) != string(prior) {
		t.Fatalf("before value must come from the baseline store")
	}
	if string(baseline.snapshots["pol_1"]) == string(prior) {
		t.Fatalf("baseline must advance to the new snapshot after logging")
	}
}

func TestNextRunSchedulesDailyHour(t *testing.T) {
	d := New(&fakeStore{}, nil, 3, 0)

	before := at(t, "2026-03-02T01:00:00Z")
	if got := d.nextRun(before); !got.Equal(at(t, "2026-03-02T03:00:00Z")) {
		t.Fatalf("nextRun before the hour = %s", got)
	}

	after := at(t, "2026-03-02T09:00:00Z")
	if got := d.nextRun(after); !got.Equal(at(t, "2026-03-03T03:00:00Z")) {
		t.Fatalf("nextRun after the hour = %s", got)
	}
}
