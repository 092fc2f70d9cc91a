package rules

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// uniformHistoryMonths is the shortest run of identical history tokens
// treated as copied rather than reported month by month.
const uniformHistoryMonths = 24

var cleanHistoryPhrases = []string{"never late", "paid as agreed", "no late payments"}

func cleanHistory(a *domain.NormalizedAccount) bool {
	if a.History.Present && !a.History.HasLate() {
		return true
	}
	return containsAny(a.Remarks+" "+a.StatusText, cleanHistoryPhrases) != ""
}

func statusCorrection(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Paid || !a.Status.Derogatory() || !cleanHistory(a) {
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"status": a.Raw.Status, "payment_history": a.Raw.PaymentHistory},
		vars:     map[string]string{"status": a.StatusLabel()},
	})
}

var obligationPhrases = []string{
	"child support", "family support", "alimony", "spousal support", "government obligation",
}

func incorrectAccountType(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Collection {
		return nil
	}
	phrase := containsAny(a.TypeText+" "+a.Remarks+" "+a.StatusText, obligationPhrases)
	if phrase == "" {
		return nil
	}
	obligation := strings.ToUpper(phrase[:1]) + phrase[1:]
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"account_type": a.Raw.AccountType, "obligation": phrase},
		vars:     map[string]string{"obligation": obligation},
	})
}

func lateAfterPayoff(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	lp, fd := a.Date(domain.FieldLastPayment), a.Date(domain.FieldFirstDelinquency)
	if !a.Paid || lp == nil || fd == nil || !fd.After(*lp) {
		return nil
	}
	vlp, vfd := domain.FormatDate(lp), domain.FormatDate(fd)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{string(domain.FieldLastPayment): vlp, string(domain.FieldFirstDelinquency): vfd},
		vars:     map[string]string{"last_payment": vlp, "first_delinquency": vfd},
	})
}

var (
	disputePendingPhrases = []string{
		"consumer disagrees", "dispute pending", "under dispute", "in dispute",
		"dispute in progress", "investigation in progress",
	}
	disputeFlagPhrases = []string{
		"consumer disputes", "disputed by consumer", "disputed by the consumer", "account information disputed",
	}
)

func disputeNotFlagged(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	remark := containsAny(a.Remarks, disputePendingPhrases)
	if remark == "" || containsAny(a.Remarks, disputeFlagPhrases) != "" {
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"remark": remark, "compliance_code": "missing"},
		vars:     map[string]string{"remark": remark},
	})
}

var (
	priorDisputePhrases = []string{
		"previously disputed", "dispute resolved", "investigation complete", "reinvestigation", "completed investigation",
	}
	verifiedPhrases = []string{"verified", "meets fcra requirements", "meets requirements"}
)

func verifiedWithoutMethod(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	prior := containsAny(a.Remarks, priorDisputePhrases)
	verified := containsAny(a.Remarks, verifiedPhrases)
	if prior == "" || verified == "" {
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"remark": prior, "result": verified},
	})
}

func inadequateReinvestigation(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if containsAny(a.Remarks, verifiedPhrases) == "" {
		return nil
	}
	fields := predates(a, domain.FieldLastActivity, domain.FieldLastPayment)
	if len(fields) == 0 {
		return nil
	}
	return beforeOpeningFindings(r, a, fields[:1])
}

func uniformHistory(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	h := a.History
	if !a.Status.Derogatory() || h.Tokens < uniformHistoryMonths || !h.Uniform || h.HasLate() {
		return nil
	}
	tokens := strconv.Itoa(h.Tokens)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"months": tokens, "status": a.Raw.Status},
		vars:     map[string]string{"tokens": tokens, "status": a.StatusLabel()},
	})
}

var inquiryPhrases = []string{"inquiry", "hard pull"}

func inquiryWithoutPurpose(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if containsAny(a.TypeText, inquiryPhrases) == "" {
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"account_type": a.Raw.AccountType, "permissible_purpose": "not documented"},
		vars:     map[string]string{"type": a.Raw.AccountType},
	})
}
