package engine

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

var asOf = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func newEngine(t testing.TB) *Engine {
	t.Helper()
	reg, err := rules.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return New(reg, Options{MaxWorkers: 4})
}

// fixture is a small credit file that trips rules in every scope.
func fixture() []domain.RawAccount {
	return []domain.RawAccount{
		{Bureau: domain.BureauTransUnion, Name: "Capital One", AccountNumber: "XXXX1234", Balance: "1000", Status: "Charged off", DateOpened: "2019-01-15", FirstDelinquency: "2021-02-01", PaymentHistory: "OK 30 60 90"},
		{Bureau: domain.BureauEquifax, Name: "CAPITAL ONE", AccountNumber: "XXXX1234", Balance: "1500", Status: "Current", DateOpened: "2019-03-20", PaymentHistory: "OK OK OK"},
		{Bureau: domain.BureauExperian, Name: "Chase", Balance: "200", Status: "Paid", DateOpened: "2020-05-01", LastPayment: "2019-12-01"},
		{Bureau: domain.BureauTransUnion, Name: "ABC Collections", AccountType: "Collection", OriginalCreditor: "Synchrony", Balance: "800", DateOpened: "2022-01-10"},
		{Bureau: domain.BureauExperian, Name: "XYZ Recovery", AccountType: "Collection", OriginalCreditor: "Synchrony", Balance: "800", DateOpened: "2022-01-20"},
		{Bureau: domain.BureauEquifax, Name: "Old Bank", Status: "Charged off", DateOpened: "2001-01-01", FirstDelinquency: "2021-02-01"},
		{Bureau: domain.BureauEquifax, Name: "Store Card", Status: "30 days late", FirstDelinquency: "2021-02-01", Balance: "0"},
	}
}

func ruleSet(res *domain.AnalysisResult) map[int]int {
	out := make(map[int]int)
	for _, f := range res.Findings {
		out[f.RuleID]++
	}
	return out
}

func TestEmptyInput(t *testing.T) {
	e := newEngine(t)
	for _, in := range [][]domain.RawAccount{nil, {}} {
		res, err := e.AnalyzeAt(context.Background(), in, asOf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.Findings) != 0 || res.Summary != (domain.Summary{}) || len(res.RuleIDs) != 0 {
			t.Errorf("expected zero result, got %+v", res)
		}
		if res.Findings == nil {
			t.Error("findings should be an empty slice, not nil")
		}
		if res.CatalogVersion == "" {
			t.Error("expected catalog version on empty result")
		}
	}
}

func TestScenarios(t *testing.T) {
	e := newEngine(t)
	cutoff := asOf.AddDate(-7, 0, 0)

	tests := []struct {
		name     string
		accounts []domain.RawAccount
		rule     int
		count    int
		bureaus  []domain.Bureau
	}{
		{
			name: "cross-bureau date conflict",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauTransUnion, Name: "Capital One", DateOpened: "2019-01-15"},
				{Bureau: domain.BureauEquifax, Name: "Capital One", DateOpened: "2019-03-20"},
			},
			rule:    1,
			count:   1,
			bureaus: []domain.Bureau{domain.BureauTransUnion, domain.BureauEquifax},
		},
		{
			name: "impossible timeline",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauExperian, Name: "Chase", DateOpened: "2020-05-01", LastPayment: "2019-12-01"},
			},
			rule:    2,
			count:   1,
			bureaus: []domain.Bureau{domain.BureauExperian},
		},
		{
			name: "statute past the cutoff",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauEquifax, Name: "Old Bank", Status: "Charged off", FirstDelinquency: cutoff.AddDate(0, 0, -181).Format("2006-01-02")},
			},
			rule:  6,
			count: 1,
		},
		{
			name: "statute inside the cutoff",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauEquifax, Name: "Old Bank", Status: "Charged off", FirstDelinquency: cutoff.AddDate(0, 0, -179).Format("2006-01-02")},
			},
			rule:  6,
			count: 0,
		},
		{
			name: "statute by charge-off date past the cutoff",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauEquifax, Name: "Old Bank", Status: "Charged off", ChargeOffDate: cutoff.AddDate(0, 0, -181).Format("2006-01-02")},
			},
			rule:  6,
			count: 1,
		},
		{
			name: "statute by charge-off date inside the cutoff",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauEquifax, Name: "Old Bank", Status: "Charged off", ChargeOffDate: cutoff.AddDate(0, 0, -179).Format("2006-01-02")},
			},
			rule:  6,
			count: 0,
		},
		{
			name: "triplicate tradeline",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "500"},
				{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "500"},
				{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "500"},
			},
			rule:    29,
			count:   2,
			bureaus: []domain.Bureau{domain.BureauTransUnion},
		},
		{
			name: "original creditor beside its collector",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauTransUnion, Name: "Chase", Status: "Charged off", DateOpened: "2018-01-01", Balance: "0"},
				{Bureau: domain.BureauEquifax, Name: "Midland Funding", AccountType: "Collection", OriginalCreditor: "Chase", DateOpened: "2021-05-01", Balance: "1500"},
			},
			rule:  1,
			count: 0,
		},
		{
			name: "original creditor beside its collector balances",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauTransUnion, Name: "Chase", Status: "Charged off", DateOpened: "2018-01-01", Balance: "0"},
				{Bureau: domain.BureauEquifax, Name: "Midland Funding", AccountType: "Collection", OriginalCreditor: "Chase", DateOpened: "2021-05-01", Balance: "1500"},
			},
			rule:  17,
			count: 0,
		},
		{
			name: "duplicate collectors",
			accounts: []domain.RawAccount{
				{Bureau: domain.BureauTransUnion, Name: "ABC Collections", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "1500", DateOpened: "2022-01-10"},
				{Bureau: domain.BureauTransUnion, Name: "XYZ Recovery", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "1500", DateOpened: "2022-01-20"},
			},
			rule:  26,
			count: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.AnalyzeAt(context.Background(), tt.accounts, asOf)
			if err != nil {
				t.Fatalf("analyze failed: %v", err)
			}
			var hits []domain.Finding
			for _, f := range res.Findings {
				if f.RuleID == tt.rule {
					hits = append(hits, f)
				}
			}
			if len(hits) != tt.count {
				t.Fatalf("rule %d fired %d times, want %d (findings: %+v)", tt.rule, len(hits), tt.count, res.Findings)
			}
			if tt.bureaus != nil && !reflect.DeepEqual(hits[0].Bureaus, tt.bureaus) {
				t.Errorf("bureaus = %v, want %v", hits[0].Bureaus, tt.bureaus)
			}
		})
	}
}

func TestDeterminism(t *testing.T) {
	e := newEngine(t)
	first, err := e.AnalyzeAt(context.Background(), fixture(), asOf)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(first.Findings) == 0 {
		t.Fatal("fixture should produce findings")
	}

	for i := 0; i < 5; i++ {
		again, _ := e.AnalyzeAt(context.Background(), fixture(), asOf)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs from the first", i)
		}
	}
}

func TestReorderingIsIdempotent(t *testing.T) {
	e := newEngine(t)
	base, _ := e.AnalyzeAt(context.Background(), fixture(), asOf)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := fixture()
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := e.AnalyzeAt(context.Background(), shuffled, asOf)
		if err != nil {
			t.Fatalf("analyze failed: %v", err)
		}
		if !reflect.DeepEqual(base.Findings, got.Findings) {
			t.Fatalf("shuffle %d changed findings", i)
		}
		if base.Summary != got.Summary || base.GroupCount != got.GroupCount {
			t.Fatalf("shuffle %d changed summary", i)
		}
	}
}

func TestReorderingWithCaseVariants(t *testing.T) {
	e := newEngine(t)
	upper := domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "CHASE BANK", Balance: "500"}
	lower := domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Chase Bank", Balance: "500"}

	a, err := e.AnalyzeAt(context.Background(), []domain.RawAccount{upper, lower}, asOf)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	b, err := e.AnalyzeAt(context.Background(), []domain.RawAccount{lower, upper}, asOf)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(a.Findings) == 0 {
		t.Fatal("expected a duplicate reporting finding")
	}
	if !reflect.DeepEqual(a.Findings, b.Findings) {
		t.Errorf("input order changed findings:\n%+v\n%+v", a.Findings, b.Findings)
	}
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	reg := rules.MustDefault()
	serial, _ := New(reg, Options{MaxWorkers: 1}).AnalyzeAt(context.Background(), fixture(), asOf)
	wide, _ := New(reg, Options{MaxWorkers: 64}).AnalyzeAt(context.Background(), fixture(), asOf)
	if !reflect.DeepEqual(serial, wide) {
		t.Error("worker count changed the result")
	}
}

func TestRankingOrder(t *testing.T) {
	e := newEngine(t)
	res, _ := e.AnalyzeAt(context.Background(), fixture(), asOf)

	for i := 1; i < len(res.Findings); i++ {
		a, b := res.Findings[i-1], res.Findings[i]
		wa, wb := a.Severity.Weight(), b.Severity.Weight()
		switch {
		case wa < wb:
			t.Errorf("finding %d: severity %s ranked above %s", i, a.Severity, b.Severity)
		case wa == wb && a.DeletionProbability < b.DeletionProbability:
			t.Errorf("finding %d: probability %d ranked above %d", i, a.DeletionProbability, b.DeletionProbability)
		case wa == wb && a.DeletionProbability == b.DeletionProbability && a.RuleID > b.RuleID:
			t.Errorf("finding %d: rule %d ranked above %d", i, a.RuleID, b.RuleID)
		}
	}

	fired := ruleSet(res)
	for _, id := range []int{1, 2, 17, 26, 31, 41} {
		if fired[id] == 0 {
			t.Errorf("expected rule %d in fixture result", id)
		}
	}
	if len(res.RuleIDs) != len(fired) {
		t.Errorf("RuleIDs has %d entries, %d rules fired", len(res.RuleIDs), len(fired))
	}
}

func TestSummary(t *testing.T) {
	e := newEngine(t)
	res, _ := e.AnalyzeAt(context.Background(), fixture(), asOf)

	s := res.Summary
	if s.Total != len(res.Findings) {
		t.Errorf("total %d != %d findings", s.Total, len(res.Findings))
	}
	if s.Critical+s.High+s.Medium != s.Total {
		t.Errorf("severity counts %d+%d+%d do not add up to %d", s.Critical, s.High, s.Medium, s.Total)
	}
	likely := 0
	for _, f := range res.Findings {
		if f.DeletionProbability >= domain.DefaultLikelyWinThreshold {
			likely++
		}
	}
	if s.LikelyWins != likely {
		t.Errorf("likely wins %d, want %d", s.LikelyWins, likely)
	}
	if res.AccountCount != len(fixture()) {
		t.Errorf("account count %d", res.AccountCount)
	}
}

func TestRankDeduplicates(t *testing.T) {
	f := domain.Finding{ID: "R01-1", RuleID: 1, Severity: domain.SeverityCritical, DeletionProbability: 85}
	g := domain.Finding{ID: "R16-1", RuleID: 16, Severity: domain.SeverityHigh, DeletionProbability: 90}
	h := domain.Finding{ID: "R14-1", RuleID: 14, Severity: domain.SeverityMedium, DeletionProbability: 60}

	got := Rank([]domain.Finding{h, g, f, g, f})
	want := []string{"R01-1", "R16-1", "R14-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d findings, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSummarizeThreshold(t *testing.T) {
	findings := []domain.Finding{
		{Severity: domain.SeverityCritical, DeletionProbability: 95},
		{Severity: domain.SeverityHigh, DeletionProbability: 70},
		{Severity: domain.SeverityMedium, DeletionProbability: 69},
	}

	tests := []struct {
		threshold int
		want      int
	}{
		{0, 2},
		{70, 2},
		{90, 1},
		{100, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("threshold %d", tt.threshold), func(t *testing.T) {
			s := Summarize(findings, tt.threshold)
			if s.LikelyWins != tt.want {
				t.Errorf("likely wins = %d, want %d", s.LikelyWins, tt.want)
			}
			if s.Critical != 1 || s.High != 1 || s.Medium != 1 || s.Total != 3 {
				t.Errorf("unexpected counts %+v", s)
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.AnalyzeAt(ctx, fixture(), asOf); err == nil {
		t.Error("expected context error")
	}
}

func TestAnalyzeUsesToday(t *testing.T) {
	e := newEngine(t)
	e.now = func() time.Time { return time.Date(2025, 6, 15, 18, 30, 0, 0, time.UTC) }
	res, _ := e.Analyze(context.Background(), fixture())
	if !res.AsOf.Equal(asOf) {
		t.Errorf("AsOf = %v, want %v", res.AsOf, asOf)
	}
}

func BenchmarkAnalyze(b *testing.B) {
	e := newEngine(b)
	var accounts []domain.RawAccount
	for i := 0; i < 20; i++ {
		for _, a := range fixture() {
			a.Name = fmt.Sprintf("%s %d", a.Name, i)
			accounts = append(accounts, a)
		}
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.AnalyzeAt(ctx, accounts, asOf); err != nil {
			b.Fatal(err)
		}
	}
}
