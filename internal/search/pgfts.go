package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries change_reports using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "r.fts @@ " + tsQuery
	if q.FilterPolicyID != "" {
		where += fmt.Sprintf(" AND r.policy_id = $%d", argN)
		args = append(args, q.FilterPolicyID)
		argN++
	}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND r.status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM change_reports r WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT r.id, COALESCE(r.policy_id, ''), r.title,
			ts_headline('english', coalesce(r.summary, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			r.status
		FROM change_reports r
		WHERE %s
		ORDER BY ts_rank(r.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.PolicyID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable reports for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReportRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(policy_id, ''), title,
			coalesce(summary, ''), coalesce(what_changed, ''), coalesce(who_affected, ''),
			status
		FROM change_reports
	`)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	defer rows.Close()

	reports := make([]ReportRecord, 0)
	for rows.Next() {
		var r ReportRecord
		if err := rows.Scan(&r.ID, &r.PolicyID, &r.Title, &r.Summary, &r.WhatChanged, &r.WhoAffected, &r.Status); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}
