package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/grouping"
	"github.com/opensource-finance/heron/internal/normalize"
)

var asOf = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

// evaluate runs every rule of the default catalog over raws and returns the
// findings keyed by rule id.
func evaluate(t *testing.T, raws ...domain.RawAccount) map[int][]domain.Finding {
	t.Helper()
	reg := MustDefault()
	in := NewInput(asOf, domain.Thresholds{})
	accounts := normalize.Accounts(raws)
	groups := grouping.Group(accounts)

	out := make(map[int][]domain.Finding)
	for _, r := range reg.All() {
		var got []domain.Finding
		for _, a := range accounts {
			got = append(got, r.EvaluateAccount(in, a)...)
		}
		for _, g := range groups {
			got = append(got, r.EvaluateGroup(in, g)...)
		}
		got = append(got, r.EvaluateDataset(in, accounts, groups)...)
		if len(got) > 0 {
			out[r.ID] = got
		}
	}
	return out
}

func tu(name string) domain.RawAccount {
	return domain.RawAccount{Bureau: domain.BureauTransUnion, Name: name}
}

func with(a domain.RawAccount, fn func(*domain.RawAccount)) domain.RawAccount {
	fn(&a)
	return a
}

func TestRuleScenarios(t *testing.T) {
	tests := []struct {
		name     string
		accounts []domain.RawAccount
		rule     int
	}{
		{"cross-bureau date opened", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Capital One", DateOpened: "2019-01-15"},
			{Bureau: domain.BureauEquifax, Name: "CAPITAL ONE", DateOpened: "2019-03-20"},
		}, 1},
		{"impossible timeline", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.DateOpened, a.LastPayment = "2020-05-01", "2019-01-01"
		})}, 2},
		{"re-aging", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.DateOpened, a.LastActivity = "Charged off", "2015-01-01", "2025-05-01"
		})}, 3},
		{"missing dates", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Balance, a.Status = "500", "Current"
		})}, 4},
		{"delinquency before opening", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.DateOpened, a.FirstDelinquency = "2020-01-01", "2019-06-01"
		})}, 5},
		{"beyond reporting period", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.FirstDelinquency = "2017-01-01"
		})}, 6},
		{"charge-off date conflict", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Chase", ChargeOffDate: "2020-01-01"},
			{Bureau: domain.BureauExperian, Name: "Chase", ChargeOffDate: "2020-06-01"},
		}, 7},
		{"never paid with lates", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Remarks, a.PaymentHistory = "Never paid", "30 60 90"
		})}, 8},
		{"closed account activity", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.DateClosed, a.LastActivity = "2020-01-01", "2021-01-01"
		})}, 9},
		{"future date", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.LastActivity = "2026-01-01"
		})}, 10},
		{"charge-off before delinquency", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.ChargeOffDate, a.FirstDelinquency = "2019-01-01", "2019-06-01"
		})}, 11},
		{"payment after charge-off", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.ChargeOffDate, a.LastPayment = "2019-01-01", "2019-05-01"
		})}, 12},
		{"skipped delinquency stage", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.PaymentHistory = "OK 30 90 OK"
		})}, 13},
		{"account age", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.DateOpened = "2001-01-01"
		})}, 14},
		{"limitations expired", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.LastPayment, a.Balance = "2018-01-01", "1000"
		})}, 15},
		{"unverifiable balance", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Balance = "500"
		})}, 16},
		{"balance discrepancy", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Chase", Balance: "1000"},
			{Bureau: domain.BureauEquifax, Name: "Chase", Balance: "1500"},
		}, 17},
		{"balance after charge-off", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.Balance, a.ChargeOffAmount = "Charged off", "2000", "1500"
		})}, 18},
		{"paid with balance", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.Balance = "Paid", "200"
		})}, 19},
		{"zero balance negative", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.Balance = "30 days late", "0"
		})}, 20},
		{"repossession deficiency", []domain.RawAccount{with(tu("Ally"), func(a *domain.RawAccount) {
			a.Status, a.Balance = "Repossession", "3000"
		})}, 21},
		{"collection exceeds original", []domain.RawAccount{with(tu("Midland"), func(a *domain.RawAccount) {
			a.AccountType, a.Balance, a.OriginalAmount = "Collection", "1500", "1000"
		})}, 22},
		{"over limit", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Balance, a.CreditLimit = "1200", "1000"
		})}, 23},
		{"lack of standing", []domain.RawAccount{with(tu("Midland"), func(a *domain.RawAccount) {
			a.AccountType, a.Balance = "Collection", "500"
		})}, 24},
		{"original creditor not reporting", []domain.RawAccount{with(tu("Midland"), func(a *domain.RawAccount) {
			a.AccountType, a.OriginalCreditor = "Collection", "Chase Bank"
		})}, 25},
		{"multiple collectors", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "ABC Collections", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "1500", DateOpened: "2022-01-10"},
			{Bureau: domain.BureauExperian, Name: "XYZ Recovery", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "1500", DateOpened: "2022-01-20"},
		}, 26},
		{"creditor name mismatch", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "SYNCB/Amazon", OriginalCreditor: "Synchrony Bank", AccountNumber: "XXXX1234", AccountType: "Revolving"},
			{Bureau: domain.BureauEquifax, Name: "Synchrony Bank", OriginalCreditor: "Synchrony Bank", AccountNumber: "****1234", AccountType: "Revolving"},
		}, 27},
		{"mixed file", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Remarks = "Consumer states account not mine"
		})}, 28},
		{"duplicate reporting", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "1000", AccountNumber: "XXXX5555"},
			{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "1020", AccountNumber: "XXXX5555"},
		}, 29},
		{"status correction", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.PaymentHistory = "Paid, was 60 days late", "OK OK OK"
		})}, 30},
		{"contradictory status", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Chase", Status: "Charged off"},
			{Bureau: domain.BureauEquifax, Name: "Chase", Status: "Current"},
		}, 31},
		{"incorrect account type", []domain.RawAccount{with(tu("State DCSS"), func(a *domain.RawAccount) {
			a.AccountType = "Collection - Child Support"
		})}, 32},
		{"late after payoff", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Status, a.LastPayment, a.FirstDelinquency = "Paid", "2020-01-01", "2020-06-01"
		})}, 33},
		{"dispute not flagged", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Remarks = "Dispute pending"
		})}, 34},
		{"account number conflict", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Chase", AccountNumber: "123456789012"},
			{Bureau: domain.BureauEquifax, Name: "Chase", AccountNumber: "123456789099"},
		}, 35},
		{"same number different debts", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Capital One", AccountNumber: "55551234567", AccountType: "Revolving"},
			{Bureau: domain.BureauEquifax, Name: "Midland Funding", AccountNumber: "55551234567", AccountType: "Collection"},
		}, 36},
		{"verified without method", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Remarks = "Previously disputed, verified as reported"
		})}, 37},
		{"inadequate reinvestigation", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.Remarks, a.DateOpened, a.LastActivity = "Verified", "2020-01-01", "2019-01-01"
		})}, 38},
		{"uniform history", []domain.RawAccount{with(tu("Midland"), func(a *domain.RawAccount) {
			a.Status = "Collection"
			a.PaymentHistory = strings.TrimSpace(strings.Repeat("OK ", 24))
		})}, 39},
		{"same-day openings", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Alpha Bank", DateOpened: "2020-03-03"},
			{Bureau: domain.BureauTransUnion, Name: "Beta Bank", DateOpened: "2020-03-03"},
			{Bureau: domain.BureauEquifax, Name: "Gamma Bank", DateOpened: "2020-03-03"},
		}, 40},
		{"synchronized lates", []domain.RawAccount{
			{Bureau: domain.BureauTransUnion, Name: "Alpha Bank", Status: "Charged off", FirstDelinquency: "2021-02-01"},
			{Bureau: domain.BureauTransUnion, Name: "Beta Bank", Status: "Charged off", FirstDelinquency: "2021-02-01"},
			{Bureau: domain.BureauEquifax, Name: "Gamma Bank", Status: "Charged off", FirstDelinquency: "2021-02-01"},
		}, 41},
		{"inquiry without purpose", []domain.RawAccount{with(tu("Auto Lender"), func(a *domain.RawAccount) {
			a.AccountType = "Hard Inquiry"
		})}, 42},
		{"written-off conflict", []domain.RawAccount{with(tu("Chase"), func(a *domain.RawAccount) {
			a.ChargeOffAmount, a.Balance = "1000", "2000"
		})}, 43},
	}

	covered := make(map[int]bool)
	for _, tt := range tests {
		covered[tt.rule] = true
		t.Run(tt.name, func(t *testing.T) {
			got := evaluate(t, tt.accounts...)
			findings := got[tt.rule]
			if len(findings) == 0 {
				ids := make([]int, 0, len(got))
				for id := range got {
					ids = append(ids, id)
				}
				t.Fatalf("rule %d did not fire; fired %v", tt.rule, ids)
			}
			for _, f := range findings {
				if f.RuleID != tt.rule {
					t.Errorf("finding rule id %d, want %d", f.RuleID, tt.rule)
				}
				if f.Citation == "" || f.Description == "" || f.ID == "" {
					t.Errorf("incomplete finding: %+v", f)
				}
				if strings.Contains(f.Description, "{") {
					t.Errorf("unfilled placeholder in %q", f.Description)
				}
				if len(f.Bureaus) == 0 {
					t.Errorf("finding has no bureaus: %+v", f)
				}
			}
		})
	}

	for id := 1; id <= 43; id++ {
		if !covered[id] {
			t.Errorf("rule %d has no scenario", id)
		}
	}
}

func TestCleanAccountHasNoFindings(t *testing.T) {
	clean := domain.RawAccount{
		Bureau:         domain.BureauTransUnion,
		Name:           "Chase",
		AccountNumber:  "XXXX4321",
		AccountType:    "Revolving",
		Status:         "Pays as agreed",
		Balance:        "250",
		CreditLimit:    "5000",
		DateOpened:     "2018-01-01",
		LastActivity:   "2025-05-01",
		LastPayment:    "2025-05-01",
		PaymentHistory: "OK OK OK OK",
	}
	if got := evaluate(t, clean); len(got) != 0 {
		t.Errorf("expected no findings, got %v", got)
	}
}

func TestRuleThresholdEdges(t *testing.T) {
	t.Run("reporting cutoff", func(t *testing.T) {
		fires := asOf.AddDate(-7, 0, 0).AddDate(0, 0, -181).Format("2006-01-02")
		holds := asOf.AddDate(-7, 0, 0).AddDate(0, 0, -179).Format("2006-01-02")

		tests := []struct {
			name  string
			set   func(a *domain.RawAccount, date string)
			field domain.DateField
		}{
			{"first delinquency", func(a *domain.RawAccount, d string) { a.FirstDelinquency = d }, domain.FieldFirstDelinquency},
			{"charge-off date", func(a *domain.RawAccount, d string) { a.Status, a.ChargeOffDate = "Charged off", d }, domain.FieldChargeOff},
			{"last activity of a derogatory account", func(a *domain.RawAccount, d string) { a.Status, a.LastActivity = "Charged off", d }, domain.FieldLastActivity},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := evaluate(t, with(tu("Chase"), func(a *domain.RawAccount) { tt.set(a, fires) }))
				if len(got[6]) != 1 {
					t.Fatalf("expected rule 6 at 7y+181d, got %d findings", len(got[6]))
				}
				if got[6][0].Evidence[string(tt.field)] != fires {
					t.Errorf("expected %s evidence %s, got %v", tt.field, fires, got[6][0].Evidence)
				}
				if got := evaluate(t, with(tu("Chase"), func(a *domain.RawAccount) { tt.set(a, holds) })); len(got[6]) != 0 {
					t.Errorf("expected no rule 6 at 7y+179d, got %d findings", len(got[6]))
				}
			})
		}

		t.Run("last activity of a current account", func(t *testing.T) {
			got := evaluate(t, with(tu("Chase"), func(a *domain.RawAccount) { a.Status, a.LastActivity = "Current", fires }))
			if len(got[6]) != 0 {
				t.Errorf("expected no rule 6 for a current account, got %d findings", len(got[6]))
			}
		})
	})

	t.Run("date tolerance", func(t *testing.T) {
		got := evaluate(t,
			domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Chase", LastActivity: "2024-01-01"},
			domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Chase", LastActivity: "2024-01-04"},
		)
		if len(got[1]) != 0 {
			t.Errorf("3 day last-activity gap should be tolerated, got %d", len(got[1]))
		}
	})

	t.Run("balance tolerance", func(t *testing.T) {
		got := evaluate(t,
			domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Chase", Balance: "1000"},
			domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Chase", Balance: "1100"},
		)
		if len(got[17]) != 0 {
			t.Errorf("$100 difference should be tolerated, got %d", len(got[17]))
		}
	})

	t.Run("same-day openings below threshold", func(t *testing.T) {
		got := evaluate(t,
			domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Alpha Bank", DateOpened: "2020-03-03"},
			domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Alpha Bank", DateOpened: "2020-03-03"},
			domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Beta Bank", DateOpened: "2020-03-03"},
		)
		if len(got[40]) != 0 {
			t.Errorf("two distinct accounts should not trigger rule 40, got %d", len(got[40]))
		}
	})

	t.Run("similar collector names", func(t *testing.T) {
		got := evaluate(t,
			domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Midland Funding LLC", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "900", DateOpened: "2022-01-10"},
			domain.RawAccount{Bureau: domain.BureauExperian, Name: "Midland Fundng", AccountType: "Collection", OriginalCreditor: "Capital One", Balance: "900", DateOpened: "2022-01-10"},
		)
		if len(got[26]) != 0 {
			t.Errorf("near-identical collector names should not trigger rule 26, got %d", len(got[26]))
		}
	})
}

func TestOriginalCreditorAndCollectorStaySeparate(t *testing.T) {
	original := domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Chase", Status: "Charged off", DateOpened: "2018-01-01", Balance: "0"}
	collector := domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Midland Funding", AccountType: "Collection", Status: "Collection", OriginalCreditor: "Chase", DateOpened: "2021-05-01", Balance: "1500"}

	got := evaluate(t, original, collector)
	for _, id := range []int{1, 7, 17, 31, 35} {
		if len(got[id]) != 0 {
			t.Errorf("rule %d compared the original creditor with its collector: %+v", id, got[id])
		}
	}

	t.Run("collector across bureaus still compared", func(t *testing.T) {
		again := collector
		again.Bureau, again.Balance = domain.BureauExperian, "2500"
		got := evaluate(t, original, collector, again)
		if len(got[17]) != 1 {
			t.Fatalf("expected one rule 17 finding for the collector, got %d", len(got[17]))
		}
		f := got[17][0]
		if f.Account != "Midland Funding" {
			t.Errorf("expected the collector's name on the finding, got %q", f.Account)
		}
		if len(f.Bureaus) != 2 || f.Bureaus[0] != domain.BureauEquifax || f.Bureaus[1] != domain.BureauExperian {
			t.Errorf("unexpected bureaus %v", f.Bureaus)
		}
	})
}

func TestCollectionStatusOnOriginalTradeline(t *testing.T) {
	got := evaluate(t,
		domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Capital One", Status: "Collection"},
		domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Capital One", Status: "Current"},
	)
	if len(got[31]) != 1 {
		t.Errorf("expected the status conflict on one tradeline, got %d rule 31 findings", len(got[31]))
	}
}

func TestDuplicateReportingPerCopy(t *testing.T) {
	dup := domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Capital One", Balance: "500"}
	got := evaluate(t, dup, dup, dup)
	if len(got[29]) != 2 {
		t.Fatalf("expected one rule 29 finding per extra copy, got %d", len(got[29]))
	}
	a, b := got[29][0], got[29][1]
	if a.ID == b.ID {
		t.Errorf("copies share finding id %s", a.ID)
	}
	if a.Evidence["copy"] != "2 of 3" || b.Evidence["copy"] != "3 of 3" {
		t.Errorf("unexpected copy evidence %q, %q", a.Evidence["copy"], b.Evidence["copy"])
	}
}

func TestProbabilityNudge(t *testing.T) {
	got := evaluate(t,
		domain.RawAccount{Bureau: domain.BureauTransUnion, Name: "Chase", DateOpened: "2015-01-01"},
		domain.RawAccount{Bureau: domain.BureauEquifax, Name: "Chase", DateOpened: "2019-01-01"},
	)
	if len(got[1]) != 1 {
		t.Fatalf("expected one rule 1 finding, got %d", len(got[1]))
	}
	r, _ := MustDefault().Get(1)
	p := got[1][0].DeletionProbability
	if p <= r.Probability || p > maxNudged {
		t.Errorf("expected nudged probability in (%d, %d], got %d", r.Probability, maxNudged, p)
	}
}

func TestEvaluatorsAreTotal(t *testing.T) {
	reg := MustDefault()
	in := NewInput(asOf, domain.Thresholds{})
	empty := &domain.NormalizedAccount{}
	single := &domain.AccountGroup{Key: "x", Accounts: []*domain.NormalizedAccount{empty}}
	pair := &domain.AccountGroup{Key: "x", Accounts: []*domain.NormalizedAccount{empty, {}}}

	for _, r := range reg.All() {
		if got := r.EvaluateGroup(in, single); got != nil {
			t.Errorf("rule %d fired on a single-member group", r.ID)
		}
		if got := r.EvaluateDataset(in, nil, nil); got != nil {
			t.Errorf("rule %d fired on an empty dataset", r.ID)
		}
		if got := r.EvaluateAccount(in, empty); len(got) != 0 {
			t.Errorf("rule %d fired on an empty account: %+v", r.ID, got)
		}
		if got := r.EvaluateGroup(in, pair); len(got) != 0 {
			t.Errorf("rule %d fired on an empty pair: %+v", r.ID, got)
		}

		if r.Scope != domain.ScopeSingle && r.EvaluateAccount(in, empty) != nil {
			t.Errorf("rule %d is %s but answered EvaluateAccount", r.ID, r.Scope)
		}
		if r.Scope != domain.ScopeCrossGroup && r.EvaluateGroup(in, pair) != nil {
			t.Errorf("rule %d is %s but answered EvaluateGroup", r.ID, r.Scope)
		}
	}
}

func TestFindingIDsAreStable(t *testing.T) {
	raw := with(tu("Chase"), func(a *domain.RawAccount) { a.DateOpened = "2001-01-01" })
	a := evaluate(t, raw)[14]
	b := evaluate(t, raw)[14]
	if len(a) != 1 || len(b) != 1 || a[0].ID != b[0].ID {
		t.Fatalf("expected identical ids, got %v and %v", a, b)
	}
	if !strings.HasPrefix(a[0].ID, "R14-") {
		t.Errorf("unexpected id format %q", a[0].ID)
	}
}

func TestMoney(t *testing.T) {
	tests := map[string]string{
		"0":        "$0.00",
		"12.5":     "$12.50",
		"1234.56":  "$1,234.56",
		"1000000":  "$1,000,000.00",
		"-2500.10": "-$2,500.10",
	}
	for in, want := range tests {
		d := normalize.ParseAmount(in)
		if got := money(d.Decimal); got != want {
			t.Errorf("money(%s) = %q, want %q", in, got, want)
		}
	}
}
