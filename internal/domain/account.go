// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bureau identifies the credit bureau a tradeline was reported by.
type Bureau string

const (
	BureauTransUnion Bureau = "transunion"
	BureauEquifax    Bureau = "equifax"
	BureauExperian   Bureau = "experian"
)

// Bureaus lists the supported bureaus in canonical order.
var Bureaus = []Bureau{BureauTransUnion, BureauEquifax, BureauExperian}

// ParseBureau maps common spellings ("TransUnion", "TU", "EXP", ...) to a Bureau.
func ParseBureau(s string) (Bureau, bool) {
	switch strings.ToLower(strings.Join(strings.Fields(s), "")) {
	case "transunion", "tu", "tuc":
		return BureauTransUnion, true
	case "equifax", "eq", "efx", "eqf":
		return BureauEquifax, true
	case "experian", "ex", "exp", "xpn":
		return BureauExperian, true
	}
	return "", false
}

// Rank orders bureaus for deterministic output.
func (b Bureau) Rank() int {
	for i, v := range Bureaus {
		if v == b {
			return i
		}
	}
	return len(Bureaus)
}

// UnmarshalJSON accepts any spelling understood by ParseBureau.
func (b *Bureau) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := ParseBureau(s)
	if !ok {
		return fmt.Errorf("%w: unknown bureau %q", ErrInvalidInput, s)
	}
	*b = v
	return nil
}

// Amount is a monetary value as reported, e.g. "$1,234.56".
// It is parsed by the normalizer; JSON numbers and strings are both accepted.
type Amount string

// UnmarshalJSON keeps the literal text of either a JSON string or number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: amount %s", ErrInvalidInput, data)
	}
	*a = Amount(n.String())
	return nil
}

// RawAccount is one tradeline as extracted from one bureau report.
type RawAccount struct {
	Bureau           Bureau `json:"bureau"`
	Name             string `json:"name"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	AccountType      string `json:"accountType,omitempty"`
	Balance          Amount `json:"balance,omitempty"`
	Status           string `json:"status,omitempty"`
	DateOpened       string `json:"dateOpened,omitempty"`
	LastActivity     string `json:"lastActivity,omitempty"`
	LastPayment      string `json:"lastPayment,omitempty"`
	ChargeOffDate    string `json:"chargeOffDate,omitempty"`
	OriginalCreditor string `json:"originalCreditor,omitempty"`
	PaymentHistory   string `json:"paymentHistory,omitempty"`

	// Optional fields some parsers extract from the bureau's raw detail block.
	DateClosed       string `json:"dateClosed,omitempty"`
	FirstDelinquency string `json:"firstDelinquency,omitempty"`
	CreditLimit      Amount `json:"creditLimit,omitempty"`
	OriginalAmount   Amount `json:"originalAmount,omitempty"`
	ChargeOffAmount  Amount `json:"chargeOffAmount,omitempty"`
	Remarks          string `json:"remarks,omitempty"`
}

// StatusClass is the coarse classification of a free-text account status.
type StatusClass string

const (
	StatusChargeOff    StatusClass = "charge_off"
	StatusCollection   StatusClass = "collection"
	StatusRepossession StatusClass = "repossession"
	StatusLate         StatusClass = "late"
	StatusPaid         StatusClass = "paid"
	StatusClosed       StatusClass = "closed"
	StatusCurrent      StatusClass = "current"
	StatusUnknown      StatusClass = "unknown"
)

// Derogatory reports whether the class is a negative payment status.
func (s StatusClass) Derogatory() bool {
	switch s {
	case StatusChargeOff, StatusCollection, StatusRepossession, StatusLate:
		return true
	}
	return false
}

// Terminal reports whether the class means the debt left normal servicing.
func (s StatusClass) Terminal() bool {
	return s == StatusChargeOff || s == StatusCollection || s == StatusRepossession
}

// DateField names a date-valued tradeline field.
type DateField string

const (
	FieldDateOpened       DateField = "date_opened"
	FieldLastActivity     DateField = "last_activity"
	FieldLastPayment      DateField = "last_payment"
	FieldChargeOff        DateField = "charge_off"
	FieldDateClosed       DateField = "date_closed"
	FieldFirstDelinquency DateField = "first_delinquency"
)

// DateFields lists every date field in display order.
var DateFields = []DateField{
	FieldDateOpened, FieldLastActivity, FieldLastPayment,
	FieldChargeOff, FieldDateClosed, FieldFirstDelinquency,
}

// Label is the human-readable field name used in descriptions.
func (f DateField) Label() string {
	return strings.ReplaceAll(string(f), "_", " ")
}

// History is the parsed form of a payment-history string.
type History struct {
	Present bool         `json:"present"`
	Tokens  int          `json:"tokens"`
	Late    map[int]bool `json:"late,omitempty"` // 30, 60, 90, ... buckets seen
	Uniform bool         `json:"uniform"`        // every token identical
}

// HasLate reports whether any late bucket was seen.
func (h History) HasLate() bool {
	for _, v := range h.Late {
		if v {
			return true
		}
	}
	return false
}

// NormalizedAccount is the comparable form of a RawAccount.
// It lives only for the duration of one analysis run.
type NormalizedAccount struct {
	Raw   RawAccount
	Index int

	Bureau      Bureau
	DisplayName string
	NameKey     string // canonical furnisher name
	GroupKey    string // canonical name of the debt (original creditor when known)
	Suffix      string // visible trailing account-number digits
	Digits      string // account number with masking characters kept as '*'

	Dates map[DateField]*time.Time

	Balance         decimal.NullDecimal
	CreditLimit     decimal.NullDecimal
	OriginalAmount  decimal.NullDecimal
	ChargeOffAmount decimal.NullDecimal

	Status     StatusClass
	LateDays   int
	Paid       bool // status or remarks report the debt paid or settled
	Collection bool

	StatusText       string
	TypeText         string
	Remarks          string
	OriginalCreditor string
	History          History
}

// Date returns the parsed value of a date field or nil.
func (a *NormalizedAccount) Date(f DateField) *time.Time {
	if a.Dates == nil {
		return nil
	}
	return a.Dates[f]
}

// StatusLabel renders the status class, e.g. "late-60".
func (a *NormalizedAccount) StatusLabel() string {
	if a.Status == StatusLate && a.LateDays > 0 {
		return fmt.Sprintf("late-%d", a.LateDays)
	}
	return string(a.Status)
}

// HasBalance reports whether a non-zero balance was reported.
func (a *NormalizedAccount) HasBalance() bool {
	return a.Balance.Valid && !a.Balance.Decimal.IsZero()
}

// PositiveBalance reports whether the balance is greater than zero.
func (a *NormalizedAccount) PositiveBalance() bool {
	return a.Balance.Valid && a.Balance.Decimal.IsPositive()
}

// AccountGroup is one logical account as seen across bureaus.
type AccountGroup struct {
	Key      string
	Accounts []*NormalizedAccount
}

// Size returns the number of member tradelines.
func (g *AccountGroup) Size() int { return len(g.Accounts) }

// Bureaus returns the distinct bureaus in canonical order.
func (g *AccountGroup) Bureaus() []Bureau {
	seen := make(map[Bureau]bool, len(g.Accounts))
	for _, a := range g.Accounts {
		seen[a.Bureau] = true
	}
	out := make([]Bureau, 0, len(seen))
	for _, b := range Bureaus {
		if seen[b] {
			out = append(out, b)
		}
	}
	return out
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
