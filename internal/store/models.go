package store

import "time"

// Change-log entry change types.
const (
	ChangeTypeNew    = "NEW"
	ChangeTypeUpdate = "UPDATE"
	ChangeTypeDelete = "DELETE"
)

// Change-report statuses. APPROVED is terminal.
const (
	ReportStatusDraft    = "DRAFT"
	ReportStatusApproved = "APPROVED"
)

// Change-report types.
const (
	ReportTypeNewPolicy    = "NEW_POLICY"
	ReportTypeChangePolicy = "CHANGE_POLICY"
)

// Impact classifications. An empty value means unclassified.
const (
	ImpactPositive = "POSITIVE"
	ImpactNegative = "NEGATIVE"
	ImpactNeutral  = "NEUTRAL"
)

const NotificationTypeChangePolicy = "CHANGE_POLICY"

// PolicyRecord is owned by the policy-management collaborator. The pipeline
// reads it; the UpdatePolicyFields store method exists for that collaborator.
type PolicyRecord struct {
	ID               string
	Name             string
	Summary          string
	LifeCycle        string
	RegionCtpv       string
	RegionSgg        string
	SupportCycle     string
	DeptName         string
	StartDate        *time.Time
	EndDate          *time.Time
	MainCategoryCode string
	MainCategoryName string
	LastModifiedAt   time.Time
	CreatedAt        time.Time
}

// ChangeLogEntry is append-only: written once by the detector or the manual
// bridge, never mutated or deleted.
type ChangeLogEntry struct {
	ID          string
	PolicyID    string
	PolicyName  string
	ChangeType  string
	BeforeValue []byte // serialized snapshot, nil when no baseline existed
	AfterValue  []byte
	ChangedAt   time.Time
}

type ChangeReport struct {
	ID                string
	PolicyID          string
	PolicyName        string
	Title             string
	Summary           string
	WhatChanged       *string
	WhoAffected       *string
	FromWhen          *string
	ActionGuide       *string
	ReportType        string
	ImpactType        *string
	UserImpactSummary *string
	BeforeSummary     *string
	AfterSummary      *string
	Status            string
	CreatedAt         time.Time
}

// Bookmark links a user to a policy they follow.
type Bookmark struct {
	ID       string
	UserID   string
	PolicyID string
}

// UserSettings holds per-user notification preferences. A missing row means
// notifications are enabled (opt-out).
type UserSettings struct {
	UserID              string
	NotifyPolicyChanges bool
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	ReportID  *string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}
