// Package snapshot serializes the observable fields of a policy record into
// a comparable value stored in change-log entries.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"polwatch/api/internal/store"
)

// CurrentVersion tags encoded snapshots so future field changes can be
// decoded against the right shape.
const CurrentVersion = 1

type Snapshot struct {
	Version          int        `json:"version"`
	Name             string     `json:"name,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	LifeCycle        string     `json:"lifeCycle,omitempty"`
	SupportCycle     string     `json:"supportCycle,omitempty"`
	RegionCtpv       string     `json:"regionCtpv,omitempty"`
	RegionSgg        string     `json:"regionSgg,omitempty"`
	DeptName         string     `json:"deptName,omitempty"`
	StartDate        *time.Time `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
	MainCategoryCode string     `json:"mainCategoryCode,omitempty"`
	MainCategoryName string     `json:"mainCategoryName,omitempty"`
	LastModifiedAt   *time.Time `json:"lastModifiedAt,omitempty"`
	// AdminNote is only set on manual operator entries.
	AdminNote string `json:"adminNote,omitempty"`
}

// FromRecord captures the record's observable fields. No side effects.
func FromRecord(record store.PolicyRecord) Snapshot {
	snap := Snapshot{
		Version:          CurrentVersion,
		Name:             record.Name,
		Summary:          record.Summary,
		LifeCycle:        record.LifeCycle,
		SupportCycle:     record.SupportCycle,
		RegionCtpv:       record.RegionCtpv,
		RegionSgg:        record.RegionSgg,
		DeptName:         record.DeptName,
		StartDate:        record.StartDate,
		EndDate:          record.EndDate,
		MainCategoryCode: record.MainCategoryCode,
		MainCategoryName: record.MainCategoryName,
	}
	if !record.LastModifiedAt.IsZero() {
		modified := record.LastModifiedAt
		snap.LastModifiedAt = &modified
	}
	return snap
}

// Manual builds the before/after snapshot pair for an operator-entered
// change-log entry, so the draft generator consumes manual entries and
// detector entries through the same shape.
func Manual(beforeText, afterText, adminNote string) (before Snapshot, after Snapshot) {
	before = Snapshot{Version: CurrentVersion, Summary: beforeText, AdminNote: adminNote}
	after = Snapshot{Version: CurrentVersion, Summary: afterText, AdminNote: adminNote}
	return before, after
}

// Equal reports value equality over every captured field.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.Version == other.Version &&
		s.Name == other.Name &&
		s.Summary == other.Summary &&
		s.LifeCycle == other.LifeCycle &&
		s.SupportCycle == other.SupportCycle &&
		s.RegionCtpv == other.RegionCtpv &&
		s.RegionSgg == other.RegionSgg &&
		s.DeptName == other.DeptName &&
		timeEqual(s.StartDate, other.StartDate) &&
		timeEqual(s.EndDate, other.EndDate) &&
		s.MainCategoryCode == other.MainCategoryCode &&
		s.MainCategoryName == other.MainCategoryName &&
		timeEqual(s.LastModifiedAt, other.LastModifiedAt) &&
		s.AdminNote == other.AdminNote
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s Snapshot) Encode() ([]byte, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return encoded, nil
}

func Decode(raw []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
