package domain

import (
	"time"
)

// DefaultLikelyWinThreshold is the deletion probability at or above which a
// finding counts as a likely win in the summary.
const DefaultLikelyWinThreshold = 70

// Finding is one detected violation. Findings are created by a rule
// evaluator and never modified afterwards.
type Finding struct {
	ID                  string            `json:"id"`
	RuleID              int               `json:"ruleId"`
	RuleName            string            `json:"ruleName"`
	Category            Category          `json:"category"`
	Severity            Severity          `json:"severity"`
	Account             string            `json:"account"`
	Description         string            `json:"description"`
	Bureaus             []Bureau          `json:"bureaus"`
	Evidence            map[string]string `json:"evidence,omitempty"`
	Citation            string            `json:"citation"`
	DeletionProbability int               `json:"deletionProbability"`
}

// Summary holds the counts reported alongside the ranked findings.
type Summary struct {
	Total      int `json:"total"`
	Critical   int `json:"critical"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	LikelyWins int `json:"likelyWins"`
}

// AnalysisResult is the outcome of one analysis run.
type AnalysisResult struct {
	Findings       []Finding `json:"findings"`
	Summary        Summary   `json:"summary"`
	RuleIDs        []int     `json:"ruleIds"`
	AccountCount   int       `json:"accountCount"`
	GroupCount     int       `json:"groupCount"`
	AsOf           time.Time `json:"asOf"`
	CatalogVersion string    `json:"catalogVersion"`
}

// Thresholds holds the tunable limits used by the rule evaluators and the
// summary. Zero values are replaced by defaults.
type Thresholds struct {
	LikelyWin            int     `json:"likelyWin" yaml:"likely_win"`
	HistoryFloorYear     int     `json:"historyFloorYear" yaml:"history_floor_year"`
	LimitationYears      int     `json:"limitationYears" yaml:"limitation_years"`
	SameDayOpenings      int     `json:"sameDayOpenings" yaml:"same_day_openings"`
	SynchronizedLates    int     `json:"synchronizedLates" yaml:"synchronized_lates"`
	BalanceTolerance     float64 `json:"balanceTolerance" yaml:"balance_tolerance"`
	DuplicateTolerance   float64 `json:"duplicateTolerance" yaml:"duplicate_tolerance"`
	CollectionMultiplier float64 `json:"collectionMultiplier" yaml:"collection_multiplier"`
	NameSimilarity       int     `json:"nameSimilarity" yaml:"name_similarity"`
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LikelyWin:            DefaultLikelyWinThreshold,
		HistoryFloorYear:     2005,
		LimitationYears:      4,
		SameDayOpenings:      3,
		SynchronizedLates:    3,
		BalanceTolerance:     100,
		DuplicateTolerance:   50,
		CollectionMultiplier: 1.25,
		NameSimilarity:       80,
	}
}

// WithDefaults fills zero fields from DefaultThresholds.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.LikelyWin == 0 {
		t.LikelyWin = d.LikelyWin
	}
	if t.HistoryFloorYear == 0 {
		t.HistoryFloorYear = d.HistoryFloorYear
	}
	if t.LimitationYears == 0 {
		t.LimitationYears = d.LimitationYears
	}
	if t.SameDayOpenings == 0 {
		t.SameDayOpenings = d.SameDayOpenings
	}
	if t.SynchronizedLates == 0 {
		t.SynchronizedLates = d.SynchronizedLates
	}
	if t.BalanceTolerance == 0 {
		t.BalanceTolerance = d.BalanceTolerance
	}
	if t.DuplicateTolerance == 0 {
		t.DuplicateTolerance = d.DuplicateTolerance
	}
	if t.CollectionMultiplier == 0 {
		t.CollectionMultiplier = d.CollectionMultiplier
	}
	if t.NameSimilarity == 0 {
		t.NameSimilarity = d.NameSimilarity
	}
	return t
}
