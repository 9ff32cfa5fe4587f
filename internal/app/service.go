package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"polwatch/api/internal/config"
	"polwatch/api/internal/detector"
	"polwatch/api/internal/search"
	"polwatch/api/internal/snapshot"
	"polwatch/api/internal/store"
	"polwatch/api/internal/summarizer"
	"polwatch/api/internal/util"
)

// ReportInput carries the writable fields of a change report.
type ReportInput struct {
	PolicyID          string  `json:"policyId"`
	Title             string  `json:"title"`
	Summary           string  `json:"summary"`
	WhatChanged       *string `json:"whatChanged"`
	WhoAffected       *string `json:"whoAffected"`
	FromWhen          *string `json:"fromWhen"`
	ActionGuide       *string `json:"actionGuide"`
	ReportType        string  `json:"reportType"`
	ImpactType        string  `json:"impactType"`
	UserImpactSummary *string `json:"userImpactSummary"`
	BeforeSummary     *string `json:"beforeSummary"`
	AfterSummary      *string `json:"afterSummary"`
}

// ManualChangeInput is the manual change-log bridge request.
type ManualChangeInput struct {
	PolicyID   string `json:"policyId"`
	ChangeType string `json:"changeType"`
	BeforeText string `json:"beforeText"`
	AfterText  string `json:"afterText"`
	AdminNote  string `json:"adminNote"`
}

var allowedChangeTypes = map[string]struct{}{
	store.ChangeTypeNew:    {},
	store.ChangeTypeUpdate: {},
	store.ChangeTypeDelete: {},
}

var allowedReportTypes = map[string]struct{}{
	store.ReportTypeNewPolicy:    {},
	store.ReportTypeChangePolicy: {},
}

type dataStore interface {
	GetPolicy(context.Context, string) (store.PolicyRecord, error)
	ListChangeLogs(context.Context, int) ([]store.ChangeLogEntry, error)
	GetChangeLog(context.Context, string) (store.ChangeLogEntry, error)
	InsertChangeLog(context.Context, store.ChangeLogEntry) error
	InsertReport(context.Context, store.ChangeReport) error
	GetReport(context.Context, string) (store.ChangeReport, error)
	ListReports(context.Context, string) ([]store.ChangeReport, error)
	UpdateReport(context.Context, store.ChangeReport) error
	DeleteReport(context.Context, string) error
	ApproveReportWithNotifications(context.Context, string, []store.Notification) (bool, error)
	ListBookmarksByPolicy(context.Context, string) ([]store.Bookmark, error)
	GetUserSettings(context.Context, string) (*store.UserSettings, error)
	ListNotificationsByUser(context.Context, string) ([]store.Notification, error)
	GetNotificationForUser(context.Context, string, string) (store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

type draftClient interface {
	GenerateChangeReport(context.Context, summarizer.Request) (*summarizer.Response, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexReport(r search.ReportRecord)
	DeleteReport(id string)
}

type detectRunner interface {
	Run(ctx context.Context) (detector.Result, error)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	summarizer draftClient
	search     searchIndex
	detector   detectRunner
}

func New(cfg config.Config, dataStore *store.PostgresStore, ai *summarizer.Client, searchSvc *search.Service, det *detector.Detector) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		summarizer: ai,
		search:     searchSvc,
		detector:   det,
	}
}

// SyncToken is the shared secret expected on the manual detect endpoint.
func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RunDetection triggers one detector pass outside the daily schedule.
func (s *Service) RunDetection(ctx context.Context) (detector.Result, error) {
	return s.detector.Run(ctx)
}

// ListChangeLogs returns newest-first change-log summaries. limit is clamped:
// zero or negative becomes 10, anything above 200 becomes 200.
func (s *Service) ListChangeLogs(ctx context.Context, limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 200 {
		limit = 200
	}
	entries, err := s.store.ListChangeLogs(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, changeLogSummary(entry))
	}
	return map[string]any{"changeLogs": items, "limit": limit}, nil
}

func (s *Service) GetChangeLog(ctx context.Context, logID string) (map[string]any, error) {
	entry, err := s.store.GetChangeLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return changeLogDetail(entry), nil
}

// CreateManualDraft records an operator-entered change and immediately drafts
// a report from it, so manual entries flow through the same pipeline as
// detected ones.
func (s *Service) CreateManualDraft(ctx context.Context, input ManualChangeInput) (map[string]any, error) {
	changeType := strings.ToUpper(strings.TrimSpace(input.ChangeType))
	if _, ok := allowedChangeTypes[changeType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "changeType must be one of NEW, UPDATE, DELETE", nil)
	}
	if strings.TrimSpace(input.PolicyID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "policyId is required", nil)
	}
	if strings.TrimSpace(input.AfterText) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "afterText is required", nil)
	}

	policy, err := s.store.GetPolicy(ctx, input.PolicyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "policyId is unknown", nil)
		}
		return nil, err
	}

	before, after := snapshot.Manual(input.BeforeText, input.AfterText, input.AdminNote)
	afterRaw, err := after.Encode()
	if err != nil {
		return nil, err
	}
	beforeRaw, err := before.Encode()
	if err != nil {
		return nil, err
	}

	entry := store.ChangeLogEntry{
		ID:          util.NewID("clg"),
		PolicyID:    policy.ID,
		PolicyName:  policy.Name,
		ChangeType:  changeType,
		BeforeValue: beforeRaw,
		AfterValue:  afterRaw,
		ChangedAt:   time.Now(),
	}
	if err := s.store.InsertChangeLog(ctx, entry); err != nil {
		return nil, err
	}
	log.Printf("app: manual change log %s recorded for policy %s", entry.ID, policy.ID)

	return s.draftFromEntry(ctx, entry)
}

// CreateDraftFromChangeLog generates a draft report for an existing
// change-log entry. Summarizer failures never surface to the caller; the
// fallback draft is persisted instead.
func (s *Service) CreateDraftFromChangeLog(ctx context.Context, changeLogID string) (map[string]any, error) {
	entry, err := s.store.GetChangeLog(ctx, changeLogID)
	if err != nil {
		return nil, err
	}
	return s.draftFromEntry(ctx, entry)
}

func (s *Service) draftFromEntry(ctx context.Context, entry store.ChangeLogEntry) (map[string]any, error) {
	aiCtx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
	defer cancel()
	resp, err := s.summarizer.GenerateChangeReport(aiCtx, summarizer.Request{
		PolicyName:     entry.PolicyName,
		BeforeSnapshot: entry.BeforeValue,
		AfterSnapshot:  entry.AfterValue,
	})
	if err != nil {
		log.Printf("app: draft generation failed for change log %s: %v", entry.ID, err)
	}

	report := store.ChangeReport{
		ID:         util.NewID("rpt"),
		PolicyID:   entry.PolicyID,
		PolicyName: entry.PolicyName,
		ReportType: store.ReportTypeChangePolicy,
		Status:     store.ReportStatusDraft,
		CreatedAt:  time.Now(),
	}
	if usableDraft(resp, err) {
		report.Title = strings.TrimSpace(resp.Title)
		report.Summary = strings.TrimSpace(resp.Summary)
		report.WhatChanged = resp.WhatChanged
		report.WhoAffected = resp.WhoAffected
		report.FromWhen = resp.FromWhen
		report.ActionGuide = resp.ActionGuide
		report.ImpactType = normalizeImpact(resp.ImpactType)
		report.UserImpactSummary = resp.UserImpactSummary
		report.BeforeSummary = resp.BeforeSummary
		report.AfterSummary = resp.AfterSummary
	} else {
		neutral := store.ImpactNeutral
		report.Title = "[Auto-generation failed] Policy change report"
		report.Summary = "Automatic summary generation failed. Review the change log entry and complete this report manually."
		report.ImpactType = &neutral
	}

	if err := s.store.InsertReport(ctx, report); err != nil {
		return nil, err
	}
	s.indexReport(report)
	return reportPayload(report), nil
}

// usableDraft rejects summarizer responses that carry no content at all.
func usableDraft(resp *summarizer.Response, err error) bool {
	if err != nil || resp == nil {
		return false
	}
	return strings.TrimSpace(resp.Title) != "" || strings.TrimSpace(resp.Summary) != ""
}

func (s *Service) CreateReport(ctx context.Context, input ReportInput) (map[string]any, error) {
	report, err := s.reportFromInput(ctx, input)
	if err != nil {
		return nil, err
	}
	report.ID = util.NewID("rpt")
	report.Status = store.ReportStatusDraft
	report.CreatedAt = time.Now()

	if err := s.store.InsertReport(ctx, report); err != nil {
		return nil, err
	}
	s.indexReport(report)
	return reportPayload(report), nil
}

func (s *Service) reportFromInput(ctx context.Context, input ReportInput) (store.ChangeReport, error) {
	if strings.TrimSpace(input.PolicyID) == "" {
		return store.ChangeReport{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "policyId is required", nil)
	}
	if strings.TrimSpace(input.Title) == "" {
		return store.ChangeReport{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	policy, err := s.store.GetPolicy(ctx, input.PolicyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ChangeReport{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "policyId is unknown", nil)
		}
		return store.ChangeReport{}, err
	}

	reportType := strings.ToUpper(strings.TrimSpace(input.ReportType))
	if reportType == "" {
		reportType = store.ReportTypeChangePolicy
	}
	if _, ok := allowedReportTypes[reportType]; !ok {
		return store.ChangeReport{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reportType must be NEW_POLICY or CHANGE_POLICY", nil)
	}

	return store.ChangeReport{
		PolicyID:          policy.ID,
		PolicyName:        policy.Name,
		Title:             strings.TrimSpace(input.Title),
		Summary:           strings.TrimSpace(input.Summary),
		WhatChanged:       input.WhatChanged,
		WhoAffected:       input.WhoAffected,
		FromWhen:          input.FromWhen,
		ActionGuide:       input.ActionGuide,
		ReportType:        reportType,
		ImpactType:        parseImpact(input.ImpactType),
		UserImpactSummary: input.UserImpactSummary,
		BeforeSummary:     input.BeforeSummary,
		AfterSummary:      input.AfterSummary,
	}, nil
}

func (s *Service) GetReport(ctx context.Context, reportID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return reportPayload(report), nil
}

func (s *Service) ListReports(ctx context.Context, policyID string) (map[string]any, error) {
	reports, err := s.store.ListReports(ctx, policyID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		items = append(items, reportPayload(report))
	}
	return map[string]any{"reports": items}, nil
}

// UpdateReport edits a draft. Approved reports are immutable.
func (s *Service) UpdateReport(ctx context.Context, reportID string, input ReportInput) (map[string]any, error) {
	existing, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if existing.Status == store.ReportStatusApproved {
		return nil, domainError(http.StatusConflict, "CONFLICT", "Report is already approved and can no longer be edited", nil)
	}

	if input.PolicyID == "" {
		input.PolicyID = existing.PolicyID
	}
	if input.ReportType == "" {
		input.ReportType = existing.ReportType
	}
	updated, err := s.reportFromInput(ctx, input)
	if err != nil {
		return nil, err
	}
	updated.ID = existing.ID
	updated.Status = existing.Status
	updated.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateReport(ctx, updated); err != nil {
		return nil, err
	}
	s.indexReport(updated)
	return reportPayload(updated), nil
}

func (s *Service) DeleteReport(ctx context.Context, reportID string) error {
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return err
	}
	if err := s.store.DeleteReport(ctx, reportID); err != nil {
		return err
	}
	s.search.DeleteReport(reportID)
	return nil
}

// ApproveReport moves a draft to APPROVED and fans out notifications to
// bookmark holders in the same transaction. Approving an already-approved
// report is a no-op that reports success.
func (s *Service) ApproveReport(ctx context.Context, reportID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status == store.ReportStatusApproved {
		return map[string]any{
			"report":          reportPayload(report),
			"alreadyApproved": true,
			"notified":        0,
		}, nil
	}

	notifications, err := s.buildNotifications(ctx, report)
	if err != nil {
		return nil, err
	}

	approved, err := s.store.ApproveReportWithNotifications(ctx, reportID, notifications)
	if err != nil {
		return nil, err
	}
	if !approved {
		// Lost the race to a concurrent approve; its fan-out already ran.
		report.Status = store.ReportStatusApproved
		return map[string]any{
			"report":          reportPayload(report),
			"alreadyApproved": true,
			"notified":        0,
		}, nil
	}

	report.Status = store.ReportStatusApproved
	s.indexReport(report)
	log.Printf("app: report %s approved, %d notifications created", report.ID, len(notifications))
	return map[string]any{
		"report":          reportPayload(report),
		"alreadyApproved": false,
		"notified":        len(notifications),
	}, nil
}

// buildNotifications resolves the fan-out audience: everyone bookmarking the
// report's policy, minus users who explicitly opted out. A missing settings
// row counts as opted in.
func (s *Service) buildNotifications(ctx context.Context, report store.ChangeReport) ([]store.Notification, error) {
	if report.PolicyID == "" {
		log.Printf("app: report %s has no policy, skipping notification fan-out", report.ID)
		return nil, nil
	}

	bookmarks, err := s.store.ListBookmarksByPolicy(ctx, report.PolicyID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notifications := make([]store.Notification, 0, len(bookmarks))
	for _, bookmark := range bookmarks {
		settings, err := s.store.GetUserSettings(ctx, bookmark.UserID)
		if err != nil {
			return nil, fmt.Errorf("load settings for user %s: %w", bookmark.UserID, err)
		}
		if settings != nil && !settings.NotifyPolicyChanges {
			continue
		}
		reportID := report.ID
		notifications = append(notifications, store.Notification{
			ID:        util.NewID("ntf"),
			UserID:    bookmark.UserID,
			Type:      store.NotificationTypeChangePolicy,
			Title:     report.Title,
			Message:   report.Summary,
			ReportID:  &reportID,
			IsRead:    false,
			CreatedAt: now,
		})
	}
	return notifications, nil
}

// SearchReports queries the report search index.
func (s *Service) SearchReports(ctx context.Context, text, policyID, status string, limit, offset int) (map[string]any, error) {
	response := s.search.Search(search.Query{
		Text:           text,
		FilterPolicyID: policyID,
		FilterStatus:   status,
		Limit:          limit,
		Offset:         offset,
	})
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

func (s *Service) ListNotifications(ctx context.Context, userID string) (map[string]any, error) {
	notifications, err := s.store.ListNotificationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, map[string]any{
			"id":        n.ID,
			"type":      n.Type,
			"title":     n.Title,
			"message":   messagePreview(n.Message),
			"reportId":  n.ReportID,
			"isRead":    n.IsRead,
			"createdAt": n.CreatedAt,
		})
	}
	return map[string]any{"notifications": items}, nil
}

// GetNotification returns a notification detail with the user-facing report
// view embedded, marking the notification read as a side effect.
func (s *Service) GetNotification(ctx context.Context, userID, notificationID string) (map[string]any, error) {
	n, err := s.store.GetNotificationForUser(ctx, notificationID, userID)
	if err != nil {
		return nil, err
	}
	if !n.IsRead {
		if _, err := s.store.MarkNotificationRead(ctx, notificationID, userID); err != nil {
			return nil, err
		}
		n.IsRead = true
		now := time.Now()
		n.ReadAt = &now
	}

	payload := map[string]any{
		"id":        n.ID,
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"reportId":  n.ReportID,
		"isRead":    n.IsRead,
		"readAt":    n.ReadAt,
		"createdAt": n.CreatedAt,
	}
	if n.ReportID != nil {
		report, err := s.store.GetReport(ctx, *n.ReportID)
		if err == nil {
			payload["report"] = userReportView(report)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return payload, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID string) (map[string]any, error) {
	if _, err := s.store.GetNotificationForUser(ctx, notificationID, userID); err != nil {
		return nil, err
	}
	if _, err := s.store.MarkNotificationRead(ctx, notificationID, userID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "isRead": true}, nil
}

func (s *Service) indexReport(report store.ChangeReport) {
	s.search.IndexReport(search.ReportRecord{
		ID:          report.ID,
		PolicyID:    report.PolicyID,
		Title:       report.Title,
		Summary:     report.Summary,
		WhatChanged: strOr(report.WhatChanged),
		WhoAffected: strOr(report.WhoAffected),
		Status:      report.Status,
	})
}

func changeLogSummary(entry store.ChangeLogEntry) map[string]any {
	return map[string]any{
		"id":         entry.ID,
		"policyId":   entry.PolicyID,
		"policyName": entry.PolicyName,
		"changeType": entry.ChangeType,
		"changedAt":  entry.ChangedAt,
	}
}

func changeLogDetail(entry store.ChangeLogEntry) map[string]any {
	payload := changeLogSummary(entry)
	payload["beforeValue"] = rawOrNil(entry.BeforeValue)
	payload["afterValue"] = rawOrNil(entry.AfterValue)
	return payload
}

func reportPayload(report store.ChangeReport) map[string]any {
	return map[string]any{
		"id":                report.ID,
		"policyId":          report.PolicyID,
		"policyName":        report.PolicyName,
		"title":             report.Title,
		"summary":           report.Summary,
		"whatChanged":       report.WhatChanged,
		"whoAffected":       report.WhoAffected,
		"fromWhen":          report.FromWhen,
		"actionGuide":       report.ActionGuide,
		"reportType":        report.ReportType,
		"impactType":        report.ImpactType,
		"userImpactSummary": report.UserImpactSummary,
		"beforeSummary":     report.BeforeSummary,
		"afterSummary":      report.AfterSummary,
		"status":            report.Status,
		"createdAt":         report.CreatedAt,
	}
}

// userReportView is the trimmed report shape embedded in notification details.
func userReportView(report store.ChangeReport) map[string]any {
	return map[string]any{
		"id":                report.ID,
		"policyName":        report.PolicyName,
		"title":             report.Title,
		"summary":           report.Summary,
		"whatChanged":       report.WhatChanged,
		"whoAffected":       report.WhoAffected,
		"fromWhen":          report.FromWhen,
		"actionGuide":       report.ActionGuide,
		"impactType":        report.ImpactType,
		"userImpactSummary": report.UserImpactSummary,
	}
}

// messagePreview truncates to 40 runes for list views.
func messagePreview(message string) string {
	runes := []rune(message)
	if len(runes) <= 40 {
		return message
	}
	return string(runes[:40]) + "..."
}

// parseImpact maps a raw impact string to a known classification,
// case-insensitively. Unknown values become nil rather than an error.
func parseImpact(raw string) *string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case store.ImpactPositive:
		v := store.ImpactPositive
		return &v
	case store.ImpactNegative:
		v := store.ImpactNegative
		return &v
	case store.ImpactNeutral:
		v := store.ImpactNeutral
		return &v
	default:
		return nil
	}
}

func normalizeImpact(raw *string) *string {
	if raw == nil {
		return nil
	}
	return parseImpact(*raw)
}

func strOr(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
