// Package history compares a consumer's analyses over time.
package history

import (
	"sort"

	"github.com/opensource-finance/heron/internal/domain"
)

// Diff classifies findings by ID against the previous report. New and
// Persisting follow the ranked order of current; Resolved follows the
// ranked order of the previous report. Findings waived in the current run
// are still detected, so they are neither new nor resolved. A nil previous
// report yields nil.
func Diff(previous *domain.Report, current []domain.Finding, waived []domain.WaivedFinding) *domain.Changes {
	if previous == nil {
		return nil
	}

	before := make(map[string]bool, len(previous.Result.Findings))
	for _, f := range previous.Result.Findings {
		before[f.ID] = true
	}
	// Waived findings were still detected; they do not count as resolved.
	for _, w := range previous.Waived {
		before[w.Finding.ID] = true
	}

	changes := &domain.Changes{
		PreviousReportID: previous.ID,
		New:              []string{},
		Resolved:         []string{},
		Persisting:       []string{},
	}

	after := make(map[string]bool, len(current))
	for _, f := range current {
		if after[f.ID] {
			continue
		}
		after[f.ID] = true
		if before[f.ID] {
			changes.Persisting = append(changes.Persisting, f.ID)
		} else {
			changes.New = append(changes.New, f.ID)
		}
	}

	for _, w := range waived {
		after[w.Finding.ID] = true
	}

	for _, f := range previous.Result.Findings {
		if !after[f.ID] {
			changes.Resolved = append(changes.Resolved, f.ID)
		}
	}
	changes.ResolvedRules = resolvedRules(previous, changes)
	return changes
}

// Counts returns the sizes of each change class.
func Counts(c *domain.Changes) (added, resolved, persisting int) {
	if c == nil {
		return 0, 0, 0
	}
	return len(c.New), len(c.Resolved), len(c.Persisting)
}

// resolvedRules lists the distinct rule IDs whose findings disappeared,
// in ascending order.
func resolvedRules(previous *domain.Report, c *domain.Changes) []int {
	if previous == nil || c == nil {
		return nil
	}
	gone := make(map[string]bool, len(c.Resolved))
	for _, id := range c.Resolved {
		gone[id] = true
	}
	seen := map[int]bool{}
	var ids []int
	for _, f := range previous.Result.Findings {
		if gone[f.ID] && !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Ints(ids)
	return ids
}
