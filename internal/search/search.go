package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	PolicyID string `json:"policyId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
}

// Query describes a search request over change reports.
type Query struct {
	Text           string
	FilterPolicyID string
	FilterStatus   string // empty = all statuses
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ReportRecord is the data we index for a change report.
type ReportRecord struct {
	ID          string `json:"id"`
	PolicyID    string `json:"policyId"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	WhatChanged string `json:"whatChanged"`
	WhoAffected string `json:"whoAffected"`
	Status      string `json:"status"`
}
