package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetPolicy(ctx context.Context, policyID string) (PolicyRecord, error) {
	var item PolicyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(summary, ''), COALESCE(life_cycle, ''), COALESCE(region_ctpv, ''), COALESCE(region_sgg, ''),
			COALESCE(support_cycle, ''), COALESCE(dept_name, ''), start_date, end_date,
			COALESCE(main_category_code, ''), COALESCE(main_category_name, ''), last_modified_at, created_at
		FROM policy_records
		WHERE id=$1
	`, policyID).Scan(
		&item.ID,
		&item.Name,
		&item.Summary,
		&item.LifeCycle,
		&item.RegionCtpv,
		&item.RegionSgg,
		&item.SupportCycle,
		&item.DeptName,
		&item.StartDate,
		&item.EndDate,
		&item.MainCategoryCode,
		&item.MainCategoryName,
		&item.LastModifiedAt,
		&item.CreatedAt,
	)
	if err != nil {
		return PolicyRecord{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListPoliciesChangedSince(ctx context.Context, since time.Time) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(summary, ''), COALESCE(life_cycle, ''), COALESCE(region_ctpv, ''), COALESCE(region_sgg, ''),
			COALESCE(support_cycle, ''), COALESCE(dept_name, ''), start_date, end_date,
			COALESCE(main_category_code, ''), COALESCE(main_category_name, ''), last_modified_at, created_at
		FROM policy_records
		WHERE last_modified_at > $1
		ORDER BY last_modified_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list changed policies: %w", err)
	}
	defer rows.Close()

	items := make([]PolicyRecord, 0)
	for rows.Next() {
		var item PolicyRecord
		if err := rows.Scan(
			&item.ID,
			&item.Name,
			&item.Summary,
			&item.LifeCycle,
			&item.RegionCtpv,
			&item.RegionSgg,
			&item.SupportCycle,
			&item.DeptName,
			&item.StartDate,
			&item.EndDate,
			&item.MainCategoryCode,
			&item.MainCategoryName,
			&item.LastModifiedAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan changed policy: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changed policies: %w", err)
	}
	return items, nil
}

// UpdatePolicyFields serves the policy-management collaborator; the change
// pipeline itself never writes policy records.
func (s *PostgresStore) UpdatePolicyFields(ctx context.Context, policyID, name, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE policy_records
		SET name=$2, summary=$3, last_modified_at=NOW()
		WHERE id=$1
	`, policyID, name, summary)
	if err != nil {
		return fmt.Errorf("update policy fields: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertChangeLog(ctx context.Context, entry ChangeLogEntry) error {
	var before any
	if entry.BeforeValue != nil {
		before = string(entry.BeforeValue)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_change_log (id, policy_id, change_type, before_value, after_value, changed_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`, entry.ID, entry.PolicyID, entry.ChangeType, before, string(entry.AfterValue), entry.ChangedAt)
	if err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

// MaxChangedAt returns the newest change-log timestamp, or nil when the log
// is empty.
func (s *PostgresStore) MaxChangedAt(ctx context.Context) (*time.Time, error) {
	var max sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(changed_at) FROM policy_change_log`).Scan(&max)
	if err != nil {
		return nil, fmt.Errorf("max changed_at: %w", err)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Time, nil
}

// HasChangeLogSince reports whether a change for the policy was already
// logged at or after the given modification time. The detector uses it to
// keep grace-window re-scans from duplicating entries.
func (s *PostgresStore) HasChangeLogSince(ctx context.Context, policyID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM policy_change_log WHERE policy_id=$1 AND changed_at >= $2)
	`, policyID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check change log since: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListChangeLogs(ctx context.Context, limit int) ([]ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.policy_id, COALESCE(p.name, ''), l.change_type, l.before_value, l.after_value, l.changed_at
		FROM policy_change_log l
		LEFT JOIN policy_records p ON p.id = l.policy_id
		ORDER BY l.changed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeLogEntry, 0)
	for rows.Next() {
		var item ChangeLogEntry
		if err := rows.Scan(
			&item.ID,
			&item.PolicyID,
			&item.PolicyName,
			&item.ChangeType,
			&item.BeforeValue,
			&item.AfterValue,
			&item.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change logs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChangeLog(ctx context.Context, logID string) (ChangeLogEntry, error) {
	var item ChangeLogEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.policy_id, COALESCE(p.name, ''), l.change_type, l.before_value, l.after_value, l.changed_at
		FROM policy_change_log l
		LEFT JOIN policy_records p ON p.id = l.policy_id
		WHERE l.id=$1
	`, logID).Scan(
		&item.ID,
		&item.PolicyID,
		&item.PolicyName,
		&item.ChangeType,
		&item.BeforeValue,
		&item.AfterValue,
		&item.ChangedAt,
	)
	if err != nil {
		return ChangeLogEntry{}, err
	}
	return item, nil
}

const reportColumns = `
	r.id, COALESCE(r.policy_id, ''), COALESCE(p.name, ''), r.title, COALESCE(r.summary, ''),
	r.what_changed, r.who_affected, r.from_when, r.action_guide,
	r.report_type, r.impact_type, r.user_impact_summary, r.before_summary, r.after_summary,
	r.status, r.created_at`

func scanReport(row interface{ Scan(...any) error }) (ChangeReport, error) {
	var item ChangeReport
	err := row.Scan(
		&item.ID,
		&item.PolicyID,
		&item.PolicyName,
		&item.Title,
		&item.Summary,
		&item.WhatChanged,
		&item.WhoAffected,
		&item.FromWhen,
		&item.ActionGuide,
		&item.ReportType,
		&item.ImpactType,
		&item.UserImpactSummary,
		&item.BeforeSummary,
		&item.AfterSummary,
		&item.Status,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertReport(ctx context.Context, report ChangeReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_reports (
			id, policy_id, title, summary, what_changed, who_affected, from_when, action_guide,
			report_type, impact_type, user_impact_summary, before_summary, after_summary, status, created_at
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		report.ID, report.PolicyID, report.Title, report.Summary,
		report.WhatChanged, report.WhoAffected, report.FromWhen, report.ActionGuide,
		report.ReportType, report.ImpactType, report.UserImpactSummary,
		report.BeforeSummary, report.AfterSummary, report.Status, report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (ChangeReport, error) {
	item, err := scanReport(s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM change_reports r
		LEFT JOIN policy_records p ON p.id = r.policy_id
		WHERE r.id=$1
	`, reportID))
	if err != nil {
		return ChangeReport{}, err
	}
	return item, nil
}

// ListReports returns reports newest-first, optionally filtered by policy.
func (s *PostgresStore) ListReports(ctx context.Context, policyID string) ([]ChangeReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM change_reports r
		LEFT JOIN policy_records p ON p.id = r.policy_id
		WHERE ($1='' OR r.policy_id=$1)
		ORDER BY r.created_at DESC
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeReport, 0)
	for rows.Next() {
		item, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateReport(ctx context.Context, report ChangeReport) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE change_reports
		SET policy_id=NULLIF($2, ''), title=$3, summary=$4, what_changed=$5, who_affected=$6, from_when=$7,
			action_guide=$8, impact_type=$9, user_impact_summary=$10, before_summary=$11, after_summary=$12
		WHERE id=$1
	`,
		report.ID, report.PolicyID, report.Title, report.Summary,
		report.WhatChanged, report.WhoAffected, report.FromWhen, report.ActionGuide,
		report.ImpactType, report.UserImpactSummary, report.BeforeSummary, report.AfterSummary,
	)
	if err != nil {
		return fmt.Errorf("update report: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteReport(ctx context.Context, reportID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM change_reports WHERE id=$1`, reportID)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

// ApproveReportWithNotifications flips the report to APPROVED and inserts the
// fan-out notifications in a single transaction. Returns false without side
// effects when the report was already approved, which makes repeated approve
// calls no-ops.
func (s *PostgresStore) ApproveReportWithNotifications(ctx context.Context, reportID string, notifications []Notification) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE change_reports
		SET status=$2
		WHERE id=$1 AND status=$3
	`, reportID, ReportStatusApproved, ReportStatusDraft)
	if err != nil {
		return false, fmt.Errorf("approve report: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve report rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, n := range notifications {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, type, title, message, report_id, is_read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.ReportID); err != nil {
			return false, fmt.Errorf("insert notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit approve tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListBookmarksByPolicy(ctx context.Context, policyID string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, policy_id
		FROM bookmarks
		WHERE policy_id=$1
		ORDER BY created_at ASC
	`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	items := make([]Bookmark, 0)
	for rows.Next() {
		var item Bookmark
		if err := rows.Scan(&item.ID, &item.UserID, &item.PolicyID); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return items, nil
}

// GetUserSettings returns nil when the user has no preference row.
func (s *PostgresStore) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var item UserSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, notify_policy_changes
		FROM user_settings
		WHERE user_id=$1
	`, userID).Scan(&item.UserID, &item.NotifyPolicyChanges)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user settings: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListNotificationsByUser(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, COALESCE(message, ''), report_id, is_read, read_at, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.Type,
			&item.Title,
			&item.Message,
			&item.ReportID,
			&item.IsRead,
			&item.ReadAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNotificationForUser(ctx context.Context, notificationID, userID string) (Notification, error) {
	var item Notification
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, title, COALESCE(message, ''), report_id, is_read, read_at, created_at
		FROM notifications
		WHERE id=$1 AND user_id=$2
	`, notificationID, userID).Scan(
		&item.ID,
		&item.UserID,
		&item.Type,
		&item.Title,
		&item.Message,
		&item.ReportID,
		&item.IsRead,
		&item.ReadAt,
		&item.CreatedAt,
	)
	if err != nil {
		return Notification{}, err
	}
	return item, nil
}

// MarkNotificationRead transitions unread→read. Reports false when the
// notification was already read or does not belong to the user.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_read=TRUE, read_at=NOW()
		WHERE id=$1 AND user_id=$2 AND is_read=FALSE
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
