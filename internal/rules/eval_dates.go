package rules

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// dateTolerance is the number of days two bureaus may disagree on a field
// before it counts as a conflict.
var dateTolerance = map[domain.DateField]int{
	domain.FieldDateOpened:       0,
	domain.FieldDateClosed:       0,
	domain.FieldFirstDelinquency: 0,
	domain.FieldLastActivity:     5,
	domain.FieldLastPayment:      5,
	domain.FieldChargeOff:        30, // commonly reported at month precision
}

const reAgingWindowDays = 180

func daysBetween(a, b time.Time) int {
	d := int(b.Sub(a).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

func title(f domain.DateField) string {
	l := f.Label()
	if l == "" {
		return l
	}
	return strings.ToUpper(l[:1]) + l[1:]
}

func crossDateConflicts(fields ...domain.DateField) groupFunc {
	return func(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
		var out []domain.Finding
		for _, set := range tradelines(in, g) {
			out = append(out, dateConflicts(r, set, fields)...)
		}
		return out
	}
}

func dateConflicts(r *Rule, set *domain.AccountGroup, fields []domain.DateField) []domain.Finding {
	var out []domain.Finding
	name := groupName(set)
	for _, f := range fields {
		tol := dateTolerance[f]
		pairs(set.Accounts, func(a, b *domain.NormalizedAccount) {
			da, db := a.Date(f), b.Date(f)
			if da == nil || db == nil {
				return
			}
			days := daysBetween(*da, *db)
			if days <= tol {
				return
			}
			va, vb := domain.FormatDate(da), domain.FormatDate(db)
			ev := map[string]string{"field": string(f)}
			ev[evidenceKey(a.Bureau, "a")] = va
			ev[evidenceKey(b.Bureau, "b")] = vb
			out = append(out, r.finding(hit{
				account:  name,
				bureaus:  []domain.Bureau{a.Bureau, b.Bureau},
				evidence: ev,
				vars: map[string]string{
					"field":    title(f),
					"bureau_a": bureauLabel(a.Bureau),
					"bureau_b": bureauLabel(b.Bureau),
					"value_a":  va,
					"value_b":  vb,
					"days":     strconv.Itoa(days),
				},
				nudge: min(days/90, 10),
			}))
		})
	}
	return out
}

// predates reports fields of a that fall strictly before the date opened.
func predates(a *domain.NormalizedAccount, fields ...domain.DateField) []domain.DateField {
	opened := a.Date(domain.FieldDateOpened)
	if opened == nil {
		return nil
	}
	var out []domain.DateField
	for _, f := range fields {
		if d := a.Date(f); d != nil && d.Before(*opened) {
			out = append(out, f)
		}
	}
	return out
}

func beforeOpeningFindings(r *Rule, a *domain.NormalizedAccount, fields []domain.DateField) []domain.Finding {
	var out []domain.Finding
	opened := domain.FormatDate(a.Date(domain.FieldDateOpened))
	for _, f := range fields {
		v := domain.FormatDate(a.Date(f))
		out = append(out, r.finding(hit{
			account:  accountName(a),
			bureaus:  []domain.Bureau{a.Bureau},
			evidence: map[string]string{string(f): v, string(domain.FieldDateOpened): opened},
			vars:     map[string]string{"field": title(f), "value": v, "opened": opened},
		}))
	}
	return out
}

func impossibleTimeline(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	return beforeOpeningFindings(r, a, predates(a, domain.FieldLastActivity, domain.FieldLastPayment))
}

func delinquencyBeforeOpening(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	return beforeOpeningFindings(r, a, predates(a, domain.FieldChargeOff, domain.FieldFirstDelinquency))
}

func reAging(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Status.Terminal() && a.Status != domain.StatusClosed {
		return nil
	}
	last, opened := a.Date(domain.FieldLastActivity), a.Date(domain.FieldDateOpened)
	if last == nil || opened == nil || last.After(in.AsOf) {
		return nil
	}
	if daysBetween(*last, in.AsOf) > reAgingWindowDays {
		return nil
	}
	age := daysBetween(*opened, *last)
	if !last.After(*opened) || age <= 365 {
		return nil
	}
	return r.one(hit{
		account: accountName(a),
		bureaus: []domain.Bureau{a.Bureau},
		evidence: map[string]string{
			string(domain.FieldLastActivity): domain.FormatDate(last),
			string(domain.FieldDateOpened):   domain.FormatDate(opened),
			"status": a.StatusLabel(),
		},
		vars: map[string]string{
			"status":        a.StatusLabel(),
			"last_activity": domain.FormatDate(last),
			"months":        strconv.Itoa(age / 30),
		},
	})
}

func missingDates(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.PositiveBalance() {
		return nil
	}
	var missing []string
	if a.Date(domain.FieldDateOpened) == nil {
		missing = append(missing, "date opened")
	}
	if a.Date(domain.FieldLastActivity) == nil {
		missing = append(missing, "last activity date")
	}
	if a.Status.Derogatory() && a.Date(domain.FieldChargeOff) == nil && a.Date(domain.FieldFirstDelinquency) == nil {
		missing = append(missing, "delinquency date")
	}
	if len(missing) < 2 {
		return nil
	}
	bal := money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"missing": strings.Join(missing, ", "), "balance": bal},
		vars:     map[string]string{"balance": bal, "missing": strings.Join(missing, " or ")},
	})
}

// ReportingCutoff is the oldest negative-reporting date still reportable on
// asOf: seven years plus the 180-day delinquency allowance.
func ReportingCutoff(asOf time.Time) time.Time {
	return asOf.AddDate(-7, 0, 0).AddDate(0, 0, -180)
}

func beyondReportingPeriod(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	field := domain.FieldFirstDelinquency
	ref := a.Date(field)
	if ref == nil {
		field = domain.FieldChargeOff
		ref = a.Date(field)
	}
	if ref == nil && a.Status.Derogatory() {
		field = domain.FieldLastActivity
		ref = a.Date(field)
	}
	if ref == nil {
		return nil
	}
	cutoff := ReportingCutoff(in.AsOf)
	if !ref.Before(cutoff) {
		return nil
	}
	date := domain.FormatDate(ref)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(field): date, "cutoff": cutoff.Format("2006-01-02")},
		vars:     map[string]string{"date": date, "field": field.Label(), "cutoff": cutoff.Format("2006-01-02")},
	})
}

var neverPaidPhrases = []string{
	"never paid", "first payment never", "no payment received", "no payments received",
	"no payments made", "never made a payment", "no payment made",
}

func neverPaidWithLates(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.History.HasLate() {
		return nil
	}
	text := a.Remarks + " " + strings.ToLower(a.Raw.PaymentHistory) + " " + a.StatusText
	phrase := containsAny(text, neverPaidPhrases)
	if phrase == "" {
		return nil
	}
	late := lateBuckets(a.History)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"remark": phrase, "late": late},
		vars:     map[string]string{"late": late},
	})
}

func lateBuckets(h domain.History) string {
	var buckets []int
	for b, ok := range h.Late {
		if ok {
			buckets = append(buckets, b)
		}
	}
	sort.Ints(buckets)
	parts := make([]string, len(buckets))
	for i, b := range buckets {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, "/")
}

func closedAccountActivity(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	closed := a.Date(domain.FieldDateClosed)
	if closed == nil {
		return nil
	}
	var out []domain.Finding
	for _, f := range []domain.DateField{domain.FieldLastActivity, domain.FieldLastPayment} {
		d := a.Date(f)
		if d == nil || !d.After(*closed) {
			continue
		}
		v, c := domain.FormatDate(d), domain.FormatDate(closed)
		out = append(out, r.finding(hit{
			account:  accountName(a),
			bureaus:  []domain.Bureau{a.Bureau},
			evidence: map[string]string{string(f): v, string(domain.FieldDateClosed): c},
			vars:     map[string]string{"field": title(f), "value": v, "closed": c},
		}))
	}
	return out
}

func futureDates(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	var out []domain.Finding
	asOf := in.AsOf.Format("2006-01-02")
	for _, f := range domain.DateFields {
		d := a.Date(f)
		if d == nil || !d.After(in.AsOf) {
			continue
		}
		v := domain.FormatDate(d)
		out = append(out, r.finding(hit{
			account:  accountName(a),
			bureaus:  []domain.Bureau{a.Bureau},
			evidence: map[string]string{string(f): v, "as_of": asOf},
			vars:     map[string]string{"field": title(f), "value": v, "as_of": asOf},
		}))
	}
	return out
}

func chargeOffBeforeDelinquency(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	co, fd := a.Date(domain.FieldChargeOff), a.Date(domain.FieldFirstDelinquency)
	if co == nil || fd == nil || !co.Before(*fd) {
		return nil
	}
	vco, vfd := domain.FormatDate(co), domain.FormatDate(fd)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(domain.FieldChargeOff): vco, string(domain.FieldFirstDelinquency): vfd},
		vars:     map[string]string{"charge_off": vco, "first_delinquency": vfd},
	})
}

func paymentAfterChargeOff(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	co, lp := a.Date(domain.FieldChargeOff), a.Date(domain.FieldLastPayment)
	if co == nil || lp == nil || !lp.After(*co) {
		return nil
	}
	vco, vlp := domain.FormatDate(co), domain.FormatDate(lp)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(domain.FieldChargeOff): vco, string(domain.FieldLastPayment): vlp},
		vars:     map[string]string{"charge_off": vco, "last_payment": vlp},
	})
}

func delinquencyProgression(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	late := a.History.Late
	if len(late) == 0 {
		return nil
	}
	var out []domain.Finding
	for _, step := range [][3]int{{30, 60, 90}, {60, 90, 120}} {
		from, mid, to := step[0], step[1], step[2]
		if !late[from] || !late[to] || late[mid] {
			continue
		}
		out = append(out, r.finding(hit{
			account:  accountName(a),
			bureaus:  []domain.Bureau{a.Bureau},
			evidence: map[string]string{"payment_history": a.Raw.PaymentHistory},
			vars:     map[string]string{"to": strconv.Itoa(to), "missing": strconv.Itoa(mid)},
		}))
	}
	return out
}

func accountAge(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	opened := a.Date(domain.FieldDateOpened)
	if opened == nil || opened.Year() >= in.Thresholds.HistoryFloorYear {
		return nil
	}
	v := domain.FormatDate(opened)
	floor := strconv.Itoa(in.Thresholds.HistoryFloorYear)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(domain.FieldDateOpened): v},
		vars:     map[string]string{"opened": v, "floor": floor},
	})
}

func limitationsExpired(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	lp := a.Date(domain.FieldLastPayment)
	if lp == nil || !a.PositiveBalance() {
		return nil
	}
	years := in.Thresholds.LimitationYears
	if !lp.Before(in.AsOf.AddDate(-years, 0, 0)) {
		return nil
	}
	v, bal := domain.FormatDate(lp), money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(domain.FieldLastPayment): v, "balance": bal},
		vars:     map[string]string{"last_payment": v, "years": strconv.Itoa(years), "balance": bal},
	})
}

// containsAny returns the first phrase found in text, or "".
func containsAny(text string, phrases []string) string {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p
		}
	}
	return ""
}
