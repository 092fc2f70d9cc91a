package domain

import (
	"strings"
)

// Category groups violation rules by the kind of inaccuracy they detect.
type Category string

const (
	CategoryDateTimeline          Category = "date_timeline"
	CategoryBalancePayment        Category = "balance_payment"
	CategoryCreditorOwnership     Category = "creditor_ownership"
	CategoryStatusClassification  Category = "status_classification"
	CategoryAccountIdentification Category = "account_identification"
	CategoryLegalProcedural       Category = "legal_procedural"
	CategoryStatisticalPattern    Category = "statistical_pattern"
)

// Categories is the closed set of rule categories.
var Categories = []Category{
	CategoryDateTimeline,
	CategoryBalancePayment,
	CategoryCreditorOwnership,
	CategoryStatusClassification,
	CategoryAccountIdentification,
	CategoryLegalProcedural,
	CategoryStatisticalPattern,
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Scope declares what input a rule is evaluated against.
type Scope string

const (
	// ScopeSingle rules run once per tradeline.
	ScopeSingle Scope = "single"

	// ScopeCrossGroup rules run once per account group with two or more members.
	ScopeCrossGroup Scope = "cross_group"

	// ScopeDataset rules run once over every tradeline of the consumer.
	ScopeDataset Scope = "dataset"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeSingle || s == ScopeCrossGroup || s == ScopeDataset
}

// Severity ranks how serious a violation is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Weight orders severities; higher sorts first.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Weight() > 0 }

// RuleDefinition is one entry of the violation catalog.
// Definitions are loaded once and never modified.
type RuleDefinition struct {
	ID          int      `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Category    Category `json:"category" yaml:"category"`
	Scope       Scope    `json:"scope" yaml:"scope"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Citation    string   `json:"citation" yaml:"citation"`
	Probability int      `json:"deletionProbability" yaml:"probability"`
	Template    string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Render fills the {placeholder} slots of the description template.
// Unknown placeholders are left as written.
func (r *RuleDefinition) Render(vars map[string]string) string {
	if len(vars) == 0 {
		return r.Template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(r.Template)
}
