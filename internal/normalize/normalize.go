// Package normalize converts raw bureau tradelines into comparable form.
//
// Normalization never fails. Fields that cannot be parsed become nulls so
// that one malformed value cannot abort the analysis of an otherwise good
// account.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

// Accounts normalizes every raw account, preserving input order.
func Accounts(raws []domain.RawAccount) []*domain.NormalizedAccount {
	out := make([]*domain.NormalizedAccount, len(raws))
	for i := range raws {
		out[i] = Account(raws[i], i)
	}
	return out
}

// Account normalizes one raw tradeline. index is its position in the input.
func Account(raw domain.RawAccount, index int) *domain.NormalizedAccount {
	a := &domain.NormalizedAccount{
		Raw:              raw,
		Index:            index,
		Bureau:           raw.Bureau,
		DisplayName:      DisplayName(raw.Name),
		NameKey:          CanonicalName(raw.Name),
		OriginalCreditor: DisplayName(raw.OriginalCreditor),
		Suffix:           AccountSuffix(raw.AccountNumber),
		Digits:           MaskedDigits(raw.AccountNumber),
		Dates:            make(map[domain.DateField]*time.Time, len(domain.DateFields)),
		Balance:          ParseAmount(string(raw.Balance)),
		CreditLimit:      ParseAmount(string(raw.CreditLimit)),
		OriginalAmount:   ParseAmount(string(raw.OriginalAmount)),
		ChargeOffAmount:  ParseAmount(string(raw.ChargeOffAmount)),
		StatusText:       lowerText(raw.Status),
		TypeText:         lowerText(raw.AccountType),
		Remarks:          lowerText(raw.Remarks),
		History:          ParseHistory(raw.PaymentHistory),
	}

	a.GroupKey = a.NameKey
	if oc := CanonicalName(raw.OriginalCreditor); oc != "" {
		a.GroupKey = oc
	}

	setDate(a, domain.FieldDateOpened, raw.DateOpened)
	setDate(a, domain.FieldLastActivity, raw.LastActivity)
	setDate(a, domain.FieldLastPayment, raw.LastPayment)
	setDate(a, domain.FieldChargeOff, raw.ChargeOffDate)
	setDate(a, domain.FieldDateClosed, raw.DateClosed)
	setDate(a, domain.FieldFirstDelinquency, raw.FirstDelinquency)

	a.Status, a.LateDays = ClassifyStatus(raw.Status)
	a.Paid = isPaid(a.StatusText) || isPaid(a.Remarks)
	a.Collection = a.Status == domain.StatusCollection ||
		strings.Contains(a.TypeText, "collection") ||
		strings.Contains(a.TypeText, "debt buyer") ||
		strings.Contains(a.TypeText, "factoring")

	return a
}

func setDate(a *domain.NormalizedAccount, f domain.DateField, s string) {
	if t := ParseDate(s); t != nil {
		a.Dates[f] = t
	}
}

func lowerText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DisplayName trims and collapses whitespace, keeping the reported casing.
func DisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// corporateSuffixes are trimmed from the end of canonical names.
var corporateSuffixes = []string{
	"incorporated", "inc", "llc", "ltd", "corporation", "corp", "company", "co", "n a", "na",
}

// CanonicalName lowercases, replaces non-alphanumerics with spaces,
// collapses whitespace and trims trailing corporate suffixes as long as
// the key stays non-empty.
func CanonicalName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	key := strings.Join(strings.Fields(b.String()), " ")

	for trimmed := true; trimmed; {
		trimmed = false
		for _, suf := range corporateSuffixes {
			if !strings.HasSuffix(key, " "+suf) {
				continue
			}
			next := strings.TrimSpace(strings.TrimSuffix(key, suf))
			if next == "" {
				continue
			}
			key = next
			trimmed = true
			break
		}
	}
	return key
}

// AccountSuffix returns up to four visible digits at the end of an account
// number, or "" when the tail is masked.
func AccountSuffix(number string) string {
	digits := MaskedDigits(number)
	end := len(digits)
	start := end
	for start > 0 && digits[start-1] >= '0' && digits[start-1] <= '9' {
		start--
	}
	if end-start > 4 {
		start = end - 4
	}
	return digits[start:end]
}

// MaskedDigits strips separators from an account number and rewrites
// masking characters (X, *, #) as '*'.
func MaskedDigits(number string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(number) {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'W', r == 'Y', r == 'Z':
			b.WriteRune(r)
		case r == 'X' || r == '*' || r == '#':
			b.WriteByte('*')
		}
	}
	return b.String()
}

// dateLayouts are tried in order; month-only layouts resolve to the first.
var dateLayouts = []string{
	"2006-1-2",
	"1/2/2006",
	"1-2-2006",
	"2006/1/2",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"1/2006",
	"1-2006",
	"Jan 2006",
	"January 2006",
	"2006-1",
	time.RFC3339,
}

var blankValues = map[string]bool{
	"": true, "-": true, "--": true, "n/a": true, "na": true, "none": true, "unknown": true,
}

// ParseDate parses a reported date into a UTC calendar date.
// It returns nil for blank or unrecognised values.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if blankValues[strings.ToLower(s)] {
		return nil
	}
	s = strings.Join(strings.Fields(s), " ")
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

// ParseAmount parses "$1,234.56", "(12.00)", "45-" and plain numbers.
func ParseAmount(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if blankValues[strings.ToLower(s)] {
		return decimal.NullDecimal{}
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "", "usd", "").Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	if negative {
		d = d.Neg()
	}
	return decimal.NewNullDecimal(d)
}

// statusRules is matched in order; the first hit wins.
var statusRules = []struct {
	class    domain.StatusClass
	keywords []string
}{
	{domain.StatusChargeOff, []string{"charge", "written off", "write off", "writeoff", "profit and loss", "bad debt"}},
	{domain.StatusCollection, []string{"collection"}},
	{domain.StatusRepossession, []string{"repossess", "voluntary surrender", "repo "}},
	{domain.StatusLate, []string{"days late", "day late", "days past due", "late", "past due", "delinquen"}},
	{domain.StatusPaid, []string{"paid", "settled"}},
	{domain.StatusClosed, []string{"closed", "transferred", "terminated"}},
	{domain.StatusCurrent, []string{"current", "as agreed", "open", " ok "}},
}

// positivePhrases mention lateness or payment without being derogatory.
var positivePhrases = strings.NewReplacer(
	"never late", " current ",
	"never been late", " current ",
	"no late payments", " current ",
	"not late", " current ",
	"paid as agreed", " current ",
	"pays as agreed", " current ",
	"paying as agreed", " current ",
)

var lateDaysPattern = regexp.MustCompile(`(\d{2,3})\s*\+?\s*(?:days?|day)`)

// ClassifyStatus maps free-text status to a coarse class. For late
// statuses the number of days past due is returned when stated.
func ClassifyStatus(status string) (domain.StatusClass, int) {
	text := " " + positivePhrases.Replace(lowerText(status)) + " "
	for _, rule := range statusRules {
		for _, kw := range rule.keywords {
			if !strings.Contains(text, kw) {
				continue
			}
			if rule.class == domain.StatusLate {
				return rule.class, lateDays(text)
			}
			return rule.class, 0
		}
	}
	return domain.StatusUnknown, 0
}

func lateDays(text string) int {
	m := lateDaysPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 30 {
		return 0
	}
	return n - n%30
}

func isPaid(text string) bool {
	if text == "" {
		return false
	}
	text = positivePhrases.Replace(text)
	text = strings.ReplaceAll(text, "unpaid", "")
	return strings.Contains(text, "paid") || strings.Contains(text, "settled")
}
