/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is the ordinal priority of a room's request. Higher values outrank lower ones.
type Tier int

const (
	TierLow    Tier = 0
	TierMedium Tier = 1
	TierHigh   Tier = 2
)

var tierNames = [...]string{"low", "medium", "high"}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierLow && t <= TierHigh
}

func (t Tier) String() string {
	if !t.Valid() {
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
	return tierNames[t]
}

// ParseTier accepts a tier name ("low", "medium", "high") or its ordinal ("0".."2").
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Tier(n).Valid() {
		return Tier(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// MarshalJSON encodes the tier by name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the tier name or the ordinal used by room panels.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Tier(n).Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidTier, n)
		}
		*t = Tier(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTier, string(data))
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RateScale is the number of decimal places the ledger stores for an amount.
const RateScale = 4

// RateTable is the charge applied per metering unit for each tier.
type RateTable map[Tier]decimal.Decimal

// DefaultRates returns the rates of the reference deployment: low 2, medium 3, high 6 per unit.
func DefaultRates() RateTable {
	return RateTable{
		TierLow:    decimal.NewFromInt(2),
		TierMedium: decimal.NewFromInt(3),
		TierHigh:   decimal.NewFromInt(6),
	}
}

// RatesFromBase builds the table {r, 1.5r, 3r}. A base with RateScale decimal
// places can yield a medium rate that fails validation.
func RatesFromBase(base decimal.Decimal) RateTable {
	return RateTable{
		TierLow:    base,
		TierMedium: base.Mul(decimal.RequireFromString("1.5")),
		TierHigh:   base.Mul(decimal.NewFromInt(3)),
	}
}

// Rate returns the charge for one metering unit at tier t.
func (r RateTable) Rate(t Tier) decimal.Decimal {
	return r[t]
}

func (r RateTable) validate() error {
	for _, t := range []Tier{TierLow, TierMedium, TierHigh} {
		rate, ok := r[t]
		if !ok {
			return fmt.Errorf("rate table missing tier %s", t)
		}
		if rate.IsNegative() {
			return fmt.Errorf("rate for tier %s is negative", t)
		}
		if !rate.Equal(rate.Truncate(RateScale)) {
			return fmt.Errorf("rate %s for tier %s has more than %d decimal places", rate, t, RateScale)
		}
	}
	return nil
}
