// Package detector runs the scheduled scan that turns modified policy
// records into append-only change-log entries.
package detector

import (
	"context"
	"log"
	"time"

	"polwatch/api/internal/snapshot"
	"polwatch/api/internal/store"
	"polwatch/api/internal/util"
)

type dataStore interface {
	MaxChangedAt(ctx context.Context) (*time.Time, error)
	ListPoliciesChangedSince(ctx context.Context, since time.Time) ([]store.PolicyRecord, error)
	HasChangeLogSince(ctx context.Context, policyID string, since time.Time) (bool, error)
	InsertChangeLog(ctx context.Context, entry store.ChangeLogEntry) error
}

type baselineStore interface {
	Latest(ctx context.Context, policyID string) ([]byte, error)
	Store(ctx context.Context, policyID string, raw []byte) error
}

// Result summarizes one detection run.
type Result struct {
	Watermark time.Time `json:"watermark"`
	Scanned   int       `json:"scanned"`
	Logged    int       `json:"logged"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

type Detector struct {
	store    dataStore
	baseline baselineStore // nil when Redis is not configured
	hour     int
	grace    time.Duration
	now      func() time.Time
}

// New creates a detector that runs daily at the given local-time hour and
// re-scans a trailing grace window so records whose logging failed are
// retried on the next run. baseline may be nil; before snapshots are then
// left empty.
func New(dataStore dataStore, baseline baselineStore, hour int, grace time.Duration) *Detector {
	if hour < 0 || hour > 23 {
		hour = 3
	}
	if grace < 0 {
		grace = 0
	}
	return &Detector{
		store:    dataStore,
		baseline: baseline,
		hour:     hour,
		grace:    grace,
		now:      time.Now,
	}
}

// Start blocks until ctx is cancelled, running one detection pass at the
// configured hour each day.
func (d *Detector) Start(ctx context.Context) {
	for {
		next := d.nextRun(d.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := d.Run(ctx); err != nil {
				log.Printf("detector: scheduled run failed: %v", err)
			}
		}
	}
}

func (d *Detector) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run executes one detection pass. The watermark is computed once up front;
// per-record failures are logged and do not abort the pass. Zero changed
// records is a normal outcome.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	log.Printf("detector: run started")

	watermark, err := d.watermark(ctx)
	if err != nil {
		return Result{}, err
	}
	result := Result{Watermark: watermark}
	log.Printf("detector: watermark=%s grace=%s", watermark.Format(time.RFC3339), d.grace)

	candidates, err := d.store.ListPoliciesChangedSince(ctx, watermark.Add(-d.grace))
	if err != nil {
		return Result{}, err
	}
	result.Scanned = len(candidates)
	if len(candidates) == 0 {
		log.Printf("detector: no changed policies, run finished")
		return result, nil
	}

	for _, policy := range candidates {
		logged, err := d.store.HasChangeLogSince(ctx, policy.ID, policy.LastModifiedAt)
		if err != nil {
			log.Printf("detector: dedup check failed for policy %s: %v", policy.ID, err)
			result.Failed++
			continue
		}
		if logged {
			result.Skipped++
			continue
		}
		if err := d.logChange(ctx, policy, watermark); err != nil {
			log.Printf("detector: change log failed for policy %s: %v", policy.ID, err)
			result.Failed++
			continue
		}
		result.Logged++
	}

	log.Printf("detector: run finished scanned=%d logged=%d skipped=%d failed=%d",
		result.Scanned, result.Logged, result.Skipped, result.Failed)
	return result, nil
}

// watermark is the newest change-log timestamp, defaulting to yesterday
// midnight when the log is empty.
func (d *Detector) watermark(ctx context.Context) (time.Time, error) {
	max, err := d.store.MaxChangedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if max != nil {
		return *max, nil
	}
	now := d.now()
	yesterday := now.AddDate(0, 0, -1)
	return time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, now.Location()), nil
}

func (d *Detector) logChange(ctx context.Context, policy store.PolicyRecord, watermark time.Time) error {
	changeType := store.ChangeTypeUpdate
	if policy.CreatedAt.After(watermark) {
		changeType = store.ChangeTypeNew
	}

	after, err := snapshot.FromRecord(policy).Encode()
	if err != nil {
		return err
	}

	var before []byte
	if d.baseline != nil {
		before, err = d.baseline.Latest(ctx, policy.ID)
		if err != nil {
			// A missing baseline degrades the entry, not the run.
			log.Printf("detector: baseline read failed for policy %s: %v", policy.ID, err)
			before = nil
		}
	}

	entry := store.ChangeLogEntry{
		ID:          util.NewID("clg"),
		PolicyID:    policy.ID,
		ChangeType:  changeType,
		BeforeValue: before,
		AfterValue:  after,
		ChangedAt:   d.now(),
	}
	if err := d.store.InsertChangeLog(ctx, entry); err != nil {
		return err
	}

	if d.baseline != nil {
		if err := d.baseline.Store(ctx, policy.ID, after); err != nil {
			log.Printf("detector: baseline write failed for policy %s: %v", policy.ID, err)
		}
	}

	log.Printf("detector: logged change policy=%s type=%s", policy.ID, changeType)
	return nil
}
