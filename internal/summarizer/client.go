// Package summarizer calls the external AI service that drafts policy
// change reports from before/after snapshots.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is the drafting request. BeforeSnapshot is absent when no prior
// state was recorded for the policy.
type Request struct {
	PolicyName     string          `json:"policyName"`
	BeforeSnapshot json.RawMessage `json:"beforeSnapshot,omitempty"`
	AfterSnapshot  json.RawMessage `json:"afterSnapshot"`
}

// Response is the drafted report. Every field except Title and Summary is
// optional.
type Response struct {
	Title             string  `json:"title"`
	Summary           string  `json:"summary"`
	WhatChanged       *string `json:"whatChanged"`
	WhoAffected       *string `json:"whoAffected"`
	FromWhen          *string `json:"fromWhen"`
	ActionGuide       *string `json:"actionGuide"`
	ImpactType        *string `json:"impactType"`
	UserImpactSummary *string `json:"userImpactSummary"`
	BeforeSummary     *string `json:"beforeSummary"`
	AfterSummary      *string `json:"afterSummary"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a summarizer client with a bounded request timeout.
// The timeout is the caller's only cancellation guarantee: the drafting
// model can be slow, and a hung call must not hold a request handler.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GenerateChangeReport posts the before/after snapshots and decodes the
// drafted report. Callers are expected to fall back to a manual-entry draft
// on any error.
func (c *Client) GenerateChangeReport(ctx context.Context, request Request) (*Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal change-report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/change-report", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build change-report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call summarizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("summarizer returned status %d", resp.StatusCode)
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode change-report response: %w", err)
	}
	return &decoded, nil
}
