package budget

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FundingSource says which PRE line-item quarter pays for part of a PR or AD.
type FundingSource struct {
	PREID   RequestID       `json:"pre_id"`
	ItemKey string          `json:"item_key"`
	Quarter Quarter         `json:"quarter"`
	Amount  decimal.Decimal `json:"amount"`
}

// NewFundingSource builds a validated FundingSource.
func NewFundingSource(preID RequestID, itemKey string, quarter Quarter, amount decimal.Decimal) (FundingSource, error) {
	fs := FundingSource{
		PREID:   RequestID(strings.TrimSpace(string(preID))),
		ItemKey: strings.TrimSpace(itemKey),
		Quarter: quarter,
		Amount:  amount,
	}
	if err := fs.Validate(); err != nil {
		return FundingSource{}, err
	}
	return fs, nil
}

// Validate checks the reference fields and the amount.
func (fs FundingSource) Validate() error {
	if fs.PREID == "" {
		return invalid("funding.pre_id", "is required")
	}
	if fs.ItemKey == "" {
		return invalid("funding.item_key", "is required")
	}
	if !fs.Quarter.Valid() {
		return invalid("funding.quarter", "invalid quarter %q", fs.Quarter)
	}
	if !fs.Amount.IsPositive() {
		return invalid("funding.amount", "must be positive")
	}
	if !IsMoney(fs.Amount) {
		return invalid("funding.amount", "more than %d decimal places", MoneyScale)
	}
	return nil
}

// FundingTotal sums the amounts of sources.
func FundingTotal(sources []FundingSource) decimal.Decimal {
	total := decimal.Zero
	for _, fs := range sources {
		total = total.Add(fs.Amount)
	}
	return total
}
