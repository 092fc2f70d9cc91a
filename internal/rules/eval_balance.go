package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// money formats an amount as "$1,234.56".
func money(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	s := d.StringFixed(2)
	whole, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + "$" + b.String() + frac
}

func unverifiableBalance(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.HasBalance() || a.History.Present {
		return nil
	}
	bal := money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "payment_history": "absent"},
		vars:     map[string]string{"balance": bal},
	})
}

func balanceDiscrepancy(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	var out []domain.Finding
	for _, set := range tradelines(in, g) {
		out = append(out, setBalanceDiscrepancy(in, r, set)...)
	}
	return out
}

func setBalanceDiscrepancy(in *Input, r *Rule, g *domain.AccountGroup) []domain.Finding {
	var withBalance []*domain.NormalizedAccount
	for _, a := range ordered(g.Accounts) {
		if a.Balance.Valid {
			withBalance = append(withBalance, a)
		}
	}
	if len(withBalance) < 2 {
		return nil
	}

	diff := decimal.Zero
	pairs(withBalance, func(a, b *domain.NormalizedAccount) {
		if d := a.Balance.Decimal.Sub(b.Balance.Decimal).Abs(); d.GreaterThan(diff) {
			diff = d
		}
	})
	if !diff.GreaterThan(decimal.NewFromFloat(in.Thresholds.BalanceTolerance)) {
		return nil
	}

	ev := make(map[string]string, len(withBalance))
	var listed []string
	var bureaus []domain.Bureau
	for i, a := range withBalance {
		v := money(a.Balance.Decimal)
		key := evidenceKey(a.Bureau, string(rune('a'+i)))
		if _, dup := ev[key]; dup {
			continue
		}
		ev[key] = v
		listed = append(listed, bureauLabel(a.Bureau)+" "+v)
		bureaus = append(bureaus, a.Bureau)
	}
	ev["difference"] = money(diff)

	return r.one(hit{
		account:  groupName(g),
		bureaus:  bureaus,
		evidence: ev,
		vars:     map[string]string{"difference": money(diff), "balances": strings.Join(listed, ", ")},
		nudge:    min(int(diff.Div(hundred).IntPart()), 10),
	})
}

func isChargedOff(a *domain.NormalizedAccount) bool {
	return a.Status == domain.StatusChargeOff || a.Date(domain.FieldChargeOff) != nil
}

func balanceAfterChargeOff(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !isChargedOff(a) || !a.Balance.Valid || !a.ChargeOffAmount.Valid {
		return nil
	}
	if !a.Balance.Decimal.GreaterThan(a.ChargeOffAmount.Decimal) {
		return nil
	}
	bal, co := money(a.Balance.Decimal), money(a.ChargeOffAmount.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "charge_off_amount": co},
		vars:     map[string]string{"balance": bal, "charge_off_amount": co},
	})
}

func paidWithBalance(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if a.Status != domain.StatusPaid || !a.PositiveBalance() {
		return nil
	}
	bal := money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "status": a.Raw.Status},
		vars:     map[string]string{"balance": bal},
	})
}

func zeroBalanceNegative(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Balance.Valid || !a.Balance.Decimal.IsZero() {
		return nil
	}
	switch a.Status {
	case domain.StatusLate, domain.StatusCollection, domain.StatusChargeOff:
	default:
		return nil
	}
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": money(a.Balance.Decimal), "status": a.Raw.Status},
		vars:     map[string]string{"status": a.StatusLabel()},
	})
}

var repossessionPhrases = []string{"repossess", "voluntary surrender", "involuntary surrender", "deficiency"}

func repossessionDeficiency(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.PositiveBalance() {
		return nil
	}
	var signal string
	if a.Status == domain.StatusRepossession {
		signal = a.StatusText
	} else {
		signal = containsAny(a.Remarks, repossessionPhrases)
	}
	if signal == "" {
		return nil
	}
	bal := money(a.Balance.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "remark": signal},
		vars:     map[string]string{"balance": bal},
	})
}

func collectionExceedsOriginal(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Collection || !a.Balance.Valid || !a.OriginalAmount.Valid || !a.OriginalAmount.Decimal.IsPositive() {
		return nil
	}
	mult := decimal.NewFromFloat(in.Thresholds.CollectionMultiplier)
	limit := a.OriginalAmount.Decimal.Mul(mult)
	if !a.Balance.Decimal.GreaterThan(limit) {
		return nil
	}
	bal, orig := money(a.Balance.Decimal), money(a.OriginalAmount.Decimal)
	pct := mult.Sub(decimal.NewFromInt(1)).Mul(hundred).Round(0).String()
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "original_amount": orig},
		vars:     map[string]string{"balance": bal, "original_amount": orig, "limit": pct},
	})
}

func overLimit(_ *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.Balance.Valid || !a.CreditLimit.Valid || !a.CreditLimit.Decimal.IsPositive() {
		return nil
	}
	if !a.Balance.Decimal.GreaterThan(a.CreditLimit.Decimal) {
		return nil
	}
	util := a.Balance.Decimal.Div(a.CreditLimit.Decimal).Mul(hundred).Round(0).String()
	bal, lim := money(a.Balance.Decimal), money(a.CreditLimit.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "credit_limit": lim, "utilization": util + "%"},
		vars:     map[string]string{"balance": bal, "credit_limit": lim, "utilization": util},
	})
}

func writtenOffConflict(in *Input, r *Rule, a *domain.NormalizedAccount) []domain.Finding {
	if !a.ChargeOffAmount.Valid || !a.PositiveBalance() {
		return nil
	}
	diff := a.ChargeOffAmount.Decimal.Sub(a.Balance.Decimal).Abs()
	if !diff.GreaterThan(decimal.NewFromFloat(in.Thresholds.BalanceTolerance)) {
		return nil
	}
	bal, co := money(a.Balance.Decimal), money(a.ChargeOffAmount.Decimal)
	return r.one(hit{
		account:  accountName(a),
		bureaus:  []domain.Bureau{a.Bureau},
		evidence: map[string]string{"balance": bal, "charge_off_amount": co, "difference": money(diff)},
		vars:     map[string]string{"balance": bal, "charge_off_amount": co, "difference": money(diff)},
	})
}
