package rules

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// minSharedDigits is the number of visible digits an account number needs
// before two unrelated tradelines sharing it are suspicious.
const minSharedDigits = 6

func originalCreditorMissing(_ *Input, r *Rule, accounts []*domain.NormalizedAccount, _ []*domain.AccountGroup) []domain.Finding {
	reported := make(map[string]bool)
	for _, a := range accounts {
		if !a.Collection && a.NameKey != "" {
			reported[a.NameKey] = true
		}
	}

	type debt struct {
		first   *domain.NormalizedAccount
		bureaus []domain.Bureau
	}
	debts := make(map[string]*debt)
	var keys []string
	for _, a := range ordered(accounts) {
		if !a.Collection || a.OriginalCreditor == "" || a.GroupKey == "" || reported[a.GroupKey] {
			continue
		}
		k := a.NameKey + "|" + a.GroupKey
		d, ok := debts[k]
		if !ok {
			d = &debt{first: a}
			debts[k] = d
			keys = append(keys, k)
		}
		d.bureaus = append(d.bureaus, a.Bureau)
	}
	sort.Strings(keys)

	var out []domain.Finding
	for _, k := range keys {
		d := debts[k]
		out = append(out, r.finding(hit{
			account:  accountName(d.first),
			bureaus:  d.bureaus,
			evidence: map[string]string{"original_creditor": d.first.OriginalCreditor, "matching_tradeline": "none"},
			vars:     map[string]string{"original_creditor": d.first.OriginalCreditor},
		}))
	}
	return out
}

func visibleDigits(s string) int {
	n := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n++
		}
	}
	return n
}

func sameNumberDifferentDebts(_ *Input, r *Rule, accounts []*domain.NormalizedAccount, _ []*domain.AccountGroup) []domain.Finding {
	byNumber := make(map[string][]*domain.NormalizedAccount)
	for _, a := range ordered(accounts) {
		if strings.Contains(a.Digits, "*") || visibleDigits(a.Digits) < minSharedDigits {
			continue
		}
		byNumber[a.Digits] = append(byNumber[a.Digits], a)
	}
	numbers := make([]string, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)

	var out []domain.Finding
	for _, n := range numbers {
		accs := byNumber[n]
		groups := make(map[string]bool)
		types := make(map[string]bool)
		var debts []string
		var bureaus []domain.Bureau
		for _, a := range accs {
			groups[a.GroupKey] = true
			if a.TypeText != "" {
				types[a.TypeText] = true
			}
			label := accountName(a)
			if a.Raw.AccountType != "" {
				label += " (" + a.Raw.AccountType + ")"
			}
			debts = append(debts, label)
			bureaus = append(bureaus, a.Bureau)
		}
		if len(groups) < 2 || len(types) < 2 {
			continue
		}
		debts = dedupe(debts)
		out = append(out, r.finding(hit{
			account:  accountName(accs[0]),
			bureaus:  bureaus,
			evidence: map[string]string{"account_number": accs[0].Raw.AccountNumber, "debts": strings.Join(debts, "; ")},
			vars:     map[string]string{"number": accs[0].Raw.AccountNumber, "debts": strings.Join(debts, ", ")},
		}))
	}
	return out
}

// dedupe sorts s and removes repeats.
func dedupe(s []string) []string {
	sort.Strings(s)
	out := s[:0]
	for i, v := range s {
		if i > 0 && v == s[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}

// clusterByDate buckets accounts by a reference date and reports every date
// shared by at least threshold distinct groups.
func clusterByDate(r *Rule, accounts []*domain.NormalizedAccount, threshold int, ref func(*domain.NormalizedAccount) *time.Time) []domain.Finding {
	type cluster struct {
		groups  map[string]bool
		names   []string
		bureaus []domain.Bureau
	}
	byDate := make(map[string]*cluster)
	for _, a := range ordered(accounts) {
		d := ref(a)
		if d == nil {
			continue
		}
		key := domain.FormatDate(d)
		c, ok := byDate[key]
		if !ok {
			c = &cluster{groups: make(map[string]bool)}
			byDate[key] = c
		}
		gk := a.GroupKey
		if gk == "" {
			gk = "#" + strconv.Itoa(a.Index)
		}
		if !c.groups[gk] {
			c.groups[gk] = true
			c.names = append(c.names, accountName(a))
		}
		c.bureaus = append(c.bureaus, a.Bureau)
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var out []domain.Finding
	for _, date := range dates {
		c := byDate[date]
		if len(c.groups) < threshold {
			continue
		}
		names := dedupe(c.names)
		count := strconv.Itoa(len(c.groups))
		out = append(out, r.finding(hit{
			account:  names[0],
			bureaus:  c.bureaus,
			evidence: map[string]string{"date": date, "count": count, "accounts": strings.Join(names, "; ")},
			vars:     map[string]string{"count": count, "date": date, "accounts": strings.Join(names, ", ")},
		}))
	}
	return out
}

func sameDayOpenings(in *Input, r *Rule, accounts []*domain.NormalizedAccount, _ []*domain.AccountGroup) []domain.Finding {
	return clusterByDate(r, accounts, in.Thresholds.SameDayOpenings, func(a *domain.NormalizedAccount) *time.Time {
		return a.Date(domain.FieldDateOpened)
	})
}

func synchronizedLates(in *Input, r *Rule, accounts []*domain.NormalizedAccount, _ []*domain.AccountGroup) []domain.Finding {
	return clusterByDate(r, accounts, in.Thresholds.SynchronizedLates, func(a *domain.NormalizedAccount) *time.Time {
		if !a.Status.Derogatory() {
			return nil
		}
		if d := a.Date(domain.FieldFirstDelinquency); d != nil {
			return d
		}
		if a.Status == domain.StatusLate {
			return a.Date(domain.FieldLastActivity)
		}
		return nil
	})
}
