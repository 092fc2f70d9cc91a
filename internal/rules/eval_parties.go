package rules

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/normalize"
)

// collectorMatchDays is how far apart two collectors may date the same debt.
const collectorMatchDays = 30

func lackOfStanding(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Collection || !a.PositiveBalance() || a.OriginalCreditor != "" {
		return nil
	}
	bal := money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "original_creditor": "missing"},
		vars:     map[string]string{"balance": bal},
	})
}

// matchedOn reports how two collection tradelines identify the same debt.
func matchedOn(in *Input, x, y *domain.NormalizedAccount) string {
	if x.Suffix != "" && x.Suffix == y.Suffix {
		return "account number"
	}
	if !x.Balance.Valid || !y.Balance.Valid {
		return ""
	}
	tol := decimal.NewFromFloat(in.Thresholds.BalanceTolerance)
	if x.Balance.Decimal.Sub(y.Balance.Decimal).Abs().GreaterThan(tol) {
		return ""
	}
	ox, oy := x.Date(domain.FieldDateOpened), y.Date(domain.FieldDateOpened)
	if ox == nil || oy == nil || daysBetween(*ox, *oy) > collectorMatchDays {
		return ""
	}
	return "balance and date opened"
}

func multipleCollectors(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	byName := make(map[string][]*domain.NormalizedAccount)
	var names []string
	for _, a := range ordered(g.Accounts) {
		if !a.Collection || a.NameKey == "" {
			continue
		}
		if _, ok := byName[a.NameKey]; !ok {
			names = append(names, a.NameKey)
		}
		byName[a.NameKey] = append(byName[a.NameKey], a)
	}
	if len(names) < 2 {
		return nil
	}
	sort.Strings(names)

	anchor := byName[names[0]]
	var out []domain.Finding
	for _, name := range names[1:] {
		if normalize.Similarity(names[0], name) >= in.Thresholds.NameSimilarity {
			continue
		}
		others := byName[name]
		var how string
		for _, x := range anchor {
			for _, y := range others {
				if how = matchedOn(in, x, y); how != "" {
					break
				}
			}
			if how != "" {
				break
			}
		}
		if how == "" {
			continue
		}

		var bureaus []domain.Bureau
		for _, a := range append(append([]*domain.NormalizedAccount{}, anchor...), others...) {
			bureaus = append(bureaus, a.Bureau)
		}
		collector, first := accountName(others[0]), accountName(anchor[0])
		out = append(out, r.finding(hit{
			account:  collector,
			bureaus:  bureaus,
			evidence: map[string]string{"collector": collector, "first_collector": first, "matched_on": how},
			vars:     map[string]string{"collector": collector, "first_collector": first, "matched_on": how},
		}))
	}
	return out
}

func creditorNameMismatch(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	for _, set := range tradelines(in, g) {
		if collector(set.Accounts[0]) {
			continue
		}
		out = append(out, nameMismatches(r, set)...)
	}
	return out
}

func nameMismatches(r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	pairs(g.Accounts, func(a, b *domain.NormalizedAccount) {
		if a.Collection || b.Collection {
			return
		}
		if a.Suffix == "" || a.Suffix != b.Suffix || a.NameKey == b.NameKey {
			return
		}
		ev := map[string]string{"suffix": a.Suffix}
		ev[evidenceKey(a.Bureau, "a")] = a.Raw.Name
		ev[evidenceKey(b.Bureau, "b")] = b.Raw.Name
		out = append(out, r.finding(hit{
			account:  groupName(g),
			bureaus:  []domain.Bureau{a.Bureau, b.Bureau},
			evidence: ev,
			vars: map[string]string{
				"suffix":   a.Suffix,
				"name_a":   accountName(a),
				"bureau_a": bureauLabel(a.Bureau),
				"name_b":   accountName(b),
				"bureau_b": bureauLabel(b.Bureau),
			},
		}))
	})
	return out
}

var mixedFilePhrases = []string{
	"not mine", "not my account", "mixed file", "belongs to another",
	"different consumer", "wrong consumer", "another consumer", "identity theft",
}

func mixedFile(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	remark := containsAny(a.Remarks, mixedFilePhrases)
	if remark == "" {
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"remark": remark},
		vars:     map[string]string{"remark": remark},
	})
}

func duplicateReporting(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	byBureau := make(map[domain.Bureau][]*domain.NormalizedAccount)
	var bureaus []domain.Bureau
	for _, a := range ordered(g.Accounts) {
		if !a.Balance.Valid {
			continue
		}
		if _, ok := byBureau[a.Bureau]; !ok {
			bureaus = append(bureaus, a.Bureau)
		}
		byBureau[a.Bureau] = append(byBureau[a.Bureau], a)
	}

	tol := decimal.NewFromFloat(in.Thresholds.DuplicateTolerance)
	var out []domain.Finding
	for _, b := range bureaus {
		accs := byBureau[b]
		if len(accs) < 2 {
			continue
		}
		first := accs[0]
		for i, dup := range accs[1:] {
			if dup.NameKey != first.NameKey {
				continue
			}
			if dup.Suffix != "" && first.Suffix != "" && dup.Suffix != first.Suffix {
				continue
			}
			if dup.Balance.Decimal.Sub(first.Balance.Decimal).Abs().GreaterThan(tol) {
				continue
			}
			ba, bb := money(first.Balance.Decimal), money(dup.Balance.Decimal)
			copyOf := fmt.Sprintf("%d of %d", i+2, len(accs))
			out = append(out, r.finding(hit{
				account:  accountName(first),
				bureaus:  []domain.Bureau{b},
				evidence: map[string]string{"bureau": bureauLabel(b), "balance_a": ba, "balance_b": bb, "copy": copyOf},
				vars:     map[string]string{"bureau": bureauLabel(b), "balance_a": ba, "balance_b": bb},
				key:      copyOf,
			}))
		}
	}
	return out
}

// lateAfterClose reports whether late reports on b postdate a's closing.
func lateAfterClose(a, b *domain.NormalizedAccount) bool {
	if a.Status != domain.StatusClosed && a.Status != domain.StatusPaid {
		return false
	}
	closed := a.Date(domain.FieldDateClosed)
	if closed == nil || b.Status != domain.StatusLate {
		return false
	}
	last := b.Date(domain.FieldLastActivity)
	return last != nil && last.After(*closed)
}

func statusesContradict(a, b *domain.NormalizedAccount) bool {
	switch {
	case a.Status.Terminal() && b.Status == domain.StatusCurrent:
		return true
	case b.Status.Terminal() && a.Status == domain.StatusCurrent:
		return true
	}
	return lateAfterClose(a, b) || lateAfterClose(b, a)
}

func contradictoryStatus(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	for _, set := range tradelines(in, g) {
		out = append(out, statusConflicts(r, set)...)
	}
	return out
}

func statusConflicts(r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	name := groupName(g)
	pairs(g.Accounts, func(a, b *domain.NormalizedAccount) {
		if !statusesContradict(a, b) {
			return
		}
		ev := make(map[string]string, 2)
		ev[evidenceKey(a.Bureau, "a")] = a.Raw.Status
		ev[evidenceKey(b.Bureau, "b")] = b.Raw.Status
		out = append(out, r.finding(hit{
			account:  name,
			bureaus:  []domain.Bureau{a.Bureau, b.Bureau},
			evidence: ev,
			vars: map[string]string{
				"bureau_a": bureauLabel(a.Bureau),
				"status_a": a.StatusLabel(),
				"bureau_b": bureauLabel(b.Bureau),
				"status_b": b.StatusLabel(),
			},
		}))
	})
	return out
}

// digitsConflict compares two masked numbers right-aligned, skipping
// positions masked on either side.
func digitsConflict(x, y string) bool {
	for i := 1; i <= len(x) && i <= len(y); i++ {
		cx, cy := x[len(x)-i], y[len(y)-i]
		if cx == '*' || cy == '*' {
			continue
		}
		if cx != cy {
			return true
		}
	}
	return false
}

func accountNumberConflicts(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	for _, set := range tradelines(in, g) {
		out = append(out, numberConflicts(r, set)...)
	}
	return out
}

func numberConflicts(r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	name := groupName(g)
	pairs(g.Accounts, func(a, b *domain.NormalizedAccount) {
		if a.NameKey != b.NameKey || a.Digits == "" || b.Digits == "" {
			return
		}
		if !digitsConflict(a.Digits, b.Digits) {
			return
		}
		ev := make(map[string]string, 2)
		ev[evidenceKey(a.Bureau, "a")] = a.Raw.AccountNumber
		ev[evidenceKey(b.Bureau, "b")] = b.Raw.AccountNumber
		out = append(out, r.finding(hit{
			account:  name,
			bureaus:  []domain.Bureau{a.Bureau, b.Bureau},
			evidence: ev,
			vars: map[string]string{
				"bureau_a": bureauLabel(a.Bureau),
				"number_a": a.Raw.AccountNumber,
				"bureau_b": bureauLabel(b.Bureau),
				"number_b": b.Raw.AccountNumber,
			},
		}))
	})
	return out
}
