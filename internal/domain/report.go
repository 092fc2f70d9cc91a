package domain

import (
	"time"
)

// Report is a persisted analysis of one consumer's tradelines.
type Report struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	ConsumerID string          `json:"consumerId"`
	InputHash  string          `json:"inputHash"`
	Result     AnalysisResult  `json:"result"`
	Waived     []WaivedFinding `json:"waived,omitempty"`
	Changes    *Changes        `json:"changes,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Metadata   ReportMetadata  `json:"metadata"`
}

// ReportMetadata contains processing information.
type ReportMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	AnalyzeMs     int64  `json:"analyzeMs"`
	TotalMs       int64  `json:"totalMs"`
	CacheHit      bool   `json:"cacheHit"`
	EngineVersion string `json:"engineVersion"`
}

// WaivedFinding records a finding removed from a report by a waiver.
type WaivedFinding struct {
	Finding  Finding `json:"finding"`
	WaiverID string  `json:"waiverId"`
	Reason   string  `json:"reason,omitempty"`
}

// Waiver suppresses findings matching a CEL expression for one tenant.
// Example: `rule_id == 14 && "experian" in bureaus`
type Waiver struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	Name       string     `json:"name"`
	Expression string     `json:"expression"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Active reports whether the waiver applies at time t.
func (w *Waiver) Active(t time.Time) bool {
	return w.ExpiresAt == nil || t.Before(*w.ExpiresAt)
}

// Changes compares a report with the consumer's previous report.
type Changes struct {
	PreviousReportID string   `json:"previousReportId"`
	New              []string `json:"new"`
	Resolved         []string `json:"resolved"`
	Persisting       []string `json:"persisting"`
	ResolvedRules    []int    `json:"resolvedRules,omitempty"`
}

// AnalyzeRequest is the API and bus payload for an analysis.
type AnalyzeRequest struct {
	ReportID   string       `json:"reportId,omitempty"`
	ConsumerID string       `json:"consumerId"`
	AsOf       string       `json:"asOf,omitempty"` // YYYY-MM-DD, defaults to today
	Accounts   []RawAccount `json:"accounts"`
}

// ReportSummary is the list view of a report.
type ReportSummary struct {
	ID         string    `json:"id"`
	ConsumerID string    `json:"consumerId"`
	Summary    Summary   `json:"summary"`
	RuleIDs    []int     `json:"ruleIds"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ToSummary converts a Report to its list view.
func (r *Report) ToSummary() ReportSummary {
	return ReportSummary{
		ID:         r.ID,
		ConsumerID: r.ConsumerID,
		Summary:    r.Result.Summary,
		RuleIDs:    r.Result.RuleIDs,
		CreatedAt:  r.CreatedAt,
	}
}
