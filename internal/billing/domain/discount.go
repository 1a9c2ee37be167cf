package domain

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/bookline/internal/config"
)

var hundred = decimal.NewFromInt(100)

// ComputeDiscount returns the discount a rule grants on subtotal, in minor units.
// Percent discounts round down; fixed discounts never exceed the subtotal.
func ComputeDiscount(rule config.DiscountRule, subtotal int64, currency string) (int64, error) {
	if subtotal <= 0 {
		return 0, ErrDiscountNotApplicable
	}
	if rule.Currency != "" && !strings.EqualFold(rule.Currency, currency) {
		return 0, ErrDiscountNotApplicable
	}
	if subtotal < rule.MinSubtotal {
		return 0, ErrDiscountNotApplicable
	}
	value, err := decimal.NewFromString(strings.TrimSpace(rule.Value))
	if err != nil || !value.IsPositive() {
		return 0, ErrUnknownDiscount
	}

	var amount int64
	switch rule.Type {
	case config.DiscountPercent:
		amount = decimal.NewFromInt(subtotal).Mul(value).Div(hundred).Floor().IntPart()
	case config.DiscountFixed:
		amount = value.Floor().IntPart()
	default:
		return 0, ErrUnknownDiscount
	}
	if amount > subtotal {
		amount = subtotal
	}
	return amount, nil
}

// AllocateDiscount spreads discount across line amounts proportionally using
// the largest-remainder method. The shares always sum to discount; ties go to
// the earlier line.
func AllocateDiscount(amounts []int64, discount int64) []int64 {
	shares := make([]int64, len(amounts))
	if discount <= 0 || len(amounts) == 0 {
		return shares
	}
	var total int64
	for _, amount := range amounts {
		total += amount
	}
	if total <= 0 {
		return shares
	}

	type remainder struct {
		index int
		rest  decimal.Decimal
	}
	totalDec := decimal.NewFromInt(total)
	discountDec := decimal.NewFromInt(discount)
	rests := make([]remainder, 0, len(amounts))
	var allocated int64
	for i, amount := range amounts {
		exact := discountDec.Mul(decimal.NewFromInt(amount))
		share := exact.Div(totalDec).Floor()
		shares[i] = share.IntPart()
		allocated += shares[i]
		rests = append(rests, remainder{index: i, rest: exact.Sub(share.Mul(totalDec))})
	}

	sort.SliceStable(rests, func(i, j int) bool {
		return rests[i].rest.GreaterThan(rests[j].rest)
	})
	for i := 0; allocated < discount && i < len(rests); i++ {
		shares[rests[i].index]++
		allocated++
	}
	return shares
}
