package snapshot

import (
	"testing"
	"time"

	"polwatch/api/internal/store"
)

func TestFromRecordRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	modified := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	record := store.PolicyRecord{
		ID:               "pol_1",
		Name:             "Youth Housing Grant",
		Summary:          "Monthly rent support for young adults",
		LifeCycle:        "YOUTH",
		RegionCtpv:       "Seoul",
		RegionSgg:        "Mapo-gu",
		SupportCycle:     "MONTHLY",
		DeptName:         "Housing Welfare Division",
		StartDate:        &start,
		MainCategoryCode: "HOUSING",
		MainCategoryName: "Housing",
		LastModifiedAt:   modified,
	}

	encoded, err := FromRecord(record).Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.Equal(FromRecord(record)) {
		t.Fatalf("round trip lost data: %+v", decoded)
	}
	if decoded.Version != CurrentVersion {
		t.Fatalf("version = %d, want %d", decoded.Version, CurrentVersion)
	}
}

func TestEqualDetectsFieldChange(t *testing.T) {
	record := store.PolicyRecord{ID: "pol_1", Name: "Youth Housing Grant", Summary: "Original"}
	a := FromRecord(record)
	record.Summary = "Widened eligibility"
	b := FromRecord(record)
	if a.Equal(b) {
		t.Fatalf("snapshots with different summaries must not be equal")
	}
	if !a.Equal(FromRecord(store.PolicyRecord{ID: "pol_1", Name: "Youth Housing Grant", Summary: "Original"})) {
		t.Fatalf("identical records must produce equal snapshots")
	}
}

func TestEqualHandlesNilDates(t *testing.T) {
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	with := FromRecord(store.PolicyRecord{ID: "pol_1", StartDate: &date})
	without := FromRecord(store.PolicyRecord{ID: "pol_1"})
	if with.Equal(without) {
		t.Fatalf("nil and set dates must differ")
	}
	if !without.Equal(FromRecord(store.PolicyRecord{ID: "pol_1"})) {
		t.Fatalf("two nil dates must be equal")
	}
}

func TestManualPairSharesAdminNote(t *testing.T) {
	before, after := Manual("300,000 KRW monthly", "350,000 KRW monthly", "March bulletin")
	if before.Summary != "300,000 KRW monthly" || after.Summary != "350,000 KRW monthly" {
		t.Fatalf("manual texts misplaced: %+v / %+v", before, after)
	}
	if before.AdminNote != "March bulletin" || after.AdminNote != "March bulletin" {
		t.Fatalf("admin note must appear on both snapshots")
	}
	if before.Version != CurrentVersion || after.Version != CurrentVersion {
		t.Fatalf("manual snapshots must carry the current version")
	}
}
