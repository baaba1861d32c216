package budget

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineItemInput is one PRE category line with its quarterly amounts, as
// produced by the external PRE parser.
type LineItemInput struct {
	ItemKey  string
	Category string
	Amounts  map[Quarter]decimal.Decimal
}

// ValidateLineItems checks parser output before it is materialized.
// Item keys must be unique, amounts non-negative with two decimals, and
// the PRE must carry at least one positive amount.
func ValidateLineItems(inputs []LineItemInput) error {
	if len(inputs) == 0 {
		return invalid("line_items", "at least one line item is required")
	}
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		key := strings.TrimSpace(in.ItemKey)
		if key == "" {
			return invalid("line_items.item_key", "is required")
		}
		if seen[key] {
			return invalid("line_items.item_key", "duplicate item key %q", key)
		}
		seen[key] = true
		for q, amount := range in.Amounts {
			if !q.Valid() {
				return invalid("line_items.quarter", "invalid quarter %q for %s", q, key)
			}
			if amount.IsNegative() {
				return invalid("line_items.amount", "negative amount for %s %s", key, q)
			}
			if !IsMoney(amount) {
				return invalid("line_items.amount", "%s %s has more than %d decimal places", key, q, MoneyScale)
			}
		}
	}
	if !LineItemsTotal(inputs).IsPositive() {
		return invalid("line_items", "total amount must be positive")
	}
	return nil
}

// LineItemsTotal sums every quarter of every input.
func LineItemsTotal(inputs []LineItemInput) decimal.Decimal {
	total := decimal.Zero
	for _, in := range inputs {
		for _, amount := range in.Amounts {
			total = total.Add(amount)
		}
	}
	return total
}

// PRETotal is the authoritative PRE total: the sum of its line items.
func PRETotal(items []LineItemBudget) decimal.Decimal {
	total := decimal.Zero
	for _, li := range items {
		total = total.Add(li.AllocatedAmount)
	}
	return total
}

// materializeLineItems creates one LineItemBudget per (item_key, quarter)
// with a positive amount. Zero amounts are skipped.
func materializeLineItems(ctx context.Context, st Store, pre *Request, inputs []LineItemInput, now time.Time) ([]LineItemBudget, error) {
	var items []LineItemBudget
	for _, in := range inputs {
		for _, q := range Quarters {
			amount, ok := in.Amounts[q]
			if !ok || !amount.IsPositive() {
				continue
			}
			li := LineItemBudget{
				ID:              LineItemID(uuid.NewString()),
				AllocationID:    pre.AllocationID,
				PREID:           pre.ID,
				ItemKey:         strings.TrimSpace(in.ItemKey),
				Category:        in.Category,
				Quarter:         q,
				AllocatedAmount: amount,
				ConsumedAmount:  decimal.Zero,
				ReservedAmount:  decimal.Zero,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := st.SaveLineItem(ctx, li); err != nil {
				return nil, err
			}
			items = append(items, li)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ItemKey != items[j].ItemKey {
			return items[i].ItemKey < items[j].ItemKey
		}
		return items[i].Quarter < items[j].Quarter
	})
	return items, nil
}
