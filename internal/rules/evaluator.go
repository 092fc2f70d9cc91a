package rules

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/normalize"
)

// Input carries the per-run parameters every evaluator sees.
type Input struct {
	AsOf       time.Time // analysis date, UTC midnight
	Thresholds domain.Thresholds
}

// NewInput builds an Input for the analysis date, filling threshold defaults.
func NewInput(asOf time.Time, th domain.Thresholds) *Input {
	asOf = asOf.UTC()
	return &Input{
		AsOf:       time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC),
		Thresholds: th.WithDefaults(),
	}
}

type (
	singleFunc  func(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding
	groupFunc   func(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding
	datasetFunc func(in *Input, r *Rule, accounts []*domain.NormalizedAccount, groups []*domain.AccountGroup) []domain.Finding
)

// binding is the predicate reference of one rule.
type binding struct {
	scope   domain.Scope
	single  singleFunc
	group   groupFunc
	dataset datasetFunc
}

func single(fn singleFunc) binding   { return binding{scope: domain.ScopeSingle, single: fn} }
func group(fn groupFunc) binding     { return binding{scope: domain.ScopeCrossGroup, group: fn} }
func dataset(fn datasetFunc) binding { return binding{scope: domain.ScopeDataset, dataset: fn} }

// evaluators maps rule ids to their predicates.
var evaluators = map[int]binding{
	1:  group(crossDateConflicts(domain.FieldDateOpened, domain.FieldLastActivity, domain.FieldLastPayment, domain.FieldDateClosed, domain.FieldFirstDelinquency)),
	2:  single(impossibleTimeline),
	3:  single(reAging),
	4:  single(missingDates),
	5:  single(delinquencyBeforeOpening),
	6:  single(beyondReportingPeriod),
	7:  group(crossDateConflicts(domain.FieldChargeOff)),
	8:  single(neverPaidWithLates),
	9:  single(closedAccountActivity),
	10: single(futureDates),
	11: single(chargeOffBeforeDelinquency),
	12: single(paymentAfterChargeOff),
	13: single(delinquencyProgression),
	14: single(accountAge),
	15: single(limitationsExpired),
	16: single(unverifiableBalance),
	17: group(balanceDiscrepancy),
	18: single(balanceAfterChargeOff),
	19: single(paidWithBalance),
	20: single(zeroBalanceNegative),
	21: single(repossessionDeficiency),
	22: single(collectionExceedsOriginal),
	23: single(overLimit),
	24: single(lackOfStanding),
	25: dataset(originalCreditorMissing),
	26: group(multipleCollectors),
	27: group(creditorNameMismatch),
	28: single(mixedFile),
	29: group(duplicateReporting),
	30: single(statusCorrection),
	31: group(contradictoryStatus),
	32: single(incorrectAccountType),
	33: single(lateAfterPayoff),
	34: single(disputeNotFlagged),
	35: group(accountNumberConflicts),
	36: dataset(sameNumberDifferentDebts),
	37: single(verifiedWithoutMethod),
	38: single(inadequateReinvestigation),
	39: single(uniformHistory),
	40: dataset(sameDayOpenings),
	41: dataset(synchronizedLates),
	42: single(inquiryWithoutPurpose),
	43: single(writtenOffConflict),
}

// EvaluateAccount runs a single-account rule. Other scopes yield nothing.
func (r *Rule) EvaluateAccount(in *Input, a *domain.NormalizedAccount) []domain.Finding {
	if r.eval.single == nil || a == nil {
		return nil
	}
	return r.eval.single(in, r, a)
}

// EvaluateGroup runs a cross-bureau rule. Groups of fewer than two
// tradelines and other scopes yield nothing.
func (r *Rule) EvaluateGroup(in *Input, g *domain.AccountGroup) []domain.Finding {
	if r.eval.group == nil || g == nil || g.Size() < 2 {
		return nil
	}
	return r.eval.group(in, r, g)
}

// EvaluateDataset runs a whole-dataset rule. Other scopes yield nothing.
func (r *Rule) EvaluateDataset(in *Input, accounts []*domain.NormalizedAccount, groups []*domain.AccountGroup) []domain.Finding {
	if r.eval.dataset == nil || len(accounts) == 0 {
		return nil
	}
	return r.eval.dataset(in, r, accounts, groups)
}

// maxNudged caps probabilities raised by evidence strength.
const maxNudged = 99

// hit describes one predicate match before it becomes a Finding. key
// separates hits that would otherwise render identically.
type hit struct {
	account  string
	bureaus  []domain.Bureau
	evidence map[string]string
	vars     map[string]string
	nudge    int
	key      string
}

// finding turns a hit into a Finding carrying the rule's fixed citation,
// severity and base probability.
func (r *Rule) finding(h hit) domain.Finding {
	p := r.Probability
	if h.nudge > 0 {
		ceiling := max(r.Probability, maxNudged)
		p = min(r.Probability+h.nudge, ceiling)
	}

	bureaus := make([]domain.Bureau, 0, len(h.bureaus))
	seen := make(map[domain.Bureau]bool, len(h.bureaus))
	for _, b := range h.bureaus {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		bureaus = append(bureaus, b)
	}
	sort.Slice(bureaus, func(i, j int) bool {
		if bureaus[i].Rank() != bureaus[j].Rank() {
			return bureaus[i].Rank() < bureaus[j].Rank()
		}
		return bureaus[i] < bureaus[j]
	})

	desc := r.Render(h.vars)
	return domain.Finding{
		ID:                  makeID(r.ID, h.account, desc, bureaus, h.key),
		RuleID:              r.ID,
		RuleName:            r.Name,
		Category:            r.Category,
		Severity:            r.Severity,
		Account:             h.account,
		Description:         desc,
		Bureaus:             bureaus,
		Evidence:            h.evidence,
		Citation:            r.Citation,
		DeletionProbability: p,
	}
}

// one wraps a single hit as a finding slice.
func (r *Rule) one(h hit) []domain.Finding {
	return []domain.Finding{r.finding(h)}
}

func makeID(ruleID int, account, desc string, bureaus []domain.Bureau, key string) string {
	parts := make([]string, len(bureaus))
	for i, b := range bureaus {
		parts[i] = string(b)
	}
	data := fmt.Sprintf("%d|%s|%s|%s", ruleID, strings.ToUpper(account), desc, strings.Join(parts, ","))
	if key != "" {
		data += "|" + key
	}
	return fmt.Sprintf("R%02d-%08x", ruleID, crc32.ChecksumIEEE([]byte(data)))
}

// accountName is the display name used on findings.
func accountName(a *domain.NormalizedAccount) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.OriginalCreditor != "" {
		return a.OriginalCreditor
	}
	return "Unnamed account"
}

// groupName picks a deterministic display name for a group.
func groupName(g *domain.AccountGroup) string {
	return accountName(ordered(g.Accounts)[0])
}

// ordered returns accounts sorted by bureau, name, account number and
// balance, then by display name and raw content, so output does not depend
// on input order.
func ordered(accounts []*domain.NormalizedAccount) []*domain.NormalizedAccount {
	out := make([]*domain.NormalizedAccount, len(accounts))
	copy(out, accounts)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Bureau.Rank() != b.Bureau.Rank() {
			return a.Bureau.Rank() < b.Bureau.Rank()
		}
		if a.Bureau != b.Bureau {
			return a.Bureau < b.Bureau
		}
		if a.NameKey != b.NameKey {
			return a.NameKey < b.NameKey
		}
		if a.Digits != b.Digits {
			return a.Digits < b.Digits
		}
		if !a.Balance.Decimal.Equal(b.Balance.Decimal) {
			return a.Balance.Decimal.LessThan(b.Balance.Decimal)
		}
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return rawKey(a) < rawKey(b)
	})
	return out
}

func rawKey(a *domain.NormalizedAccount) string {
	r := a.Raw
	return strings.Join([]string{
		r.Name, r.AccountNumber, r.AccountType, r.Status, r.OriginalCreditor,
		string(r.Balance), string(r.CreditLimit), string(r.OriginalAmount), string(r.ChargeOffAmount),
		r.DateOpened, r.LastActivity, r.LastPayment, r.ChargeOffDate, r.DateClosed, r.FirstDelinquency,
		r.Remarks, r.PaymentHistory,
	}, "\x00")
}

// collector reports whether a is a collection tradeline furnished under a
// name other than the creditor its group is keyed on.
func collector(a *domain.NormalizedAccount) bool {
	return a.Collection && a.NameKey != a.GroupKey
}

// tradelines splits a group into sets of members that describe the same
// tradeline: the original creditor's reporting in one set and each
// collector's in its own. Sets seen at a single bureau are dropped.
func tradelines(in *Input, g *domain.AccountGroup) []*domain.AccountGroup {
	var sets []*domain.AccountGroup
	var originals *domain.AccountGroup
	for _, a := range ordered(g.Accounts) {
		if !collector(a) {
			if originals == nil {
				originals = &domain.AccountGroup{Key: g.Key}
				sets = append(sets, originals)
			}
			originals.Accounts = append(originals.Accounts, a)
			continue
		}
		var into *domain.AccountGroup
		for _, s := range sets {
			lead := s.Accounts[0]
			if collector(lead) && normalize.Similarity(lead.NameKey, a.NameKey) >= in.Thresholds.NameSimilarity {
				into = s
				break
			}
		}
		if into == nil {
			into = &domain.AccountGroup{Key: g.Key + "|" + a.NameKey}
			sets = append(sets, into)
		}
		into.Accounts = append(into.Accounts, a)
	}

	out := sets[:0]
	for _, s := range sets {
		if len(s.Bureaus()) > 1 {
			out = append(out, s)
		}
	}
	return out
}

// pairs calls fn for every unordered pair of accounts from different bureaus.
func pairs(accounts []*domain.NormalizedAccount, fn func(a, b *domain.NormalizedAccount)) {
	accs := ordered(accounts)
	for i := 0; i < len(accs); i++ {
		for j := i + 1; j < len(accs); j++ {
			if accs[i].Bureau == accs[j].Bureau {
				continue
			}
			fn(accs[i], accs[j])
		}
	}
}

func bureauLabel(b domain.Bureau) string {
	if b == "" {
		return "unknown bureau"
	}
	return string(b)
}

// evidenceKey keys evidence by bureau, falling back to a positional key.
func evidenceKey(b domain.Bureau, fallback string) string {
	if b == "" {
		return fallback
	}
	return string(b)
}
