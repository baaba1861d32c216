package factory_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/factory"
)

func TestParsePRE_MixedQuarterKeysAndAmountForms(t *testing.T) {
	// GIVEN: A parser payload using "Q1", "q2" and "3" keys, string and number amounts
	// WHEN: Parsing
	// THEN: Quarters are normalized and the total is exact

	payload := []byte(`{
		"title": "FY2024 PRE",
		"line_items": [
			{"item_key": "travel_local", "category": "Traveling Expenses",
			 "amounts": {"Q1": "5000.00", "q2": 2500, "3": "0"}},
			{"item_key": "supplies", "amounts": {"Q4": "1250.50"}}
		]
	}`)

	doc, err := factory.NewPREFactory().ParsePRE(payload)
	require.NoError(t, err)

	assert.Equal(t, "FY2024 PRE", doc.Title)
	require.Len(t, doc.LineItems, 2)
	travel := doc.LineItems[0]
	assert.Equal(t, "travel_local", travel.ItemKey)
	assert.True(t, travel.Amounts[budget.Q1].Equal(budget.MustMoney("5000")))
	assert.True(t, travel.Amounts[budget.Q2].Equal(budget.MustMoney("2500")))
	assert.True(t, travel.Amounts[budget.Q3].IsZero())
	assert.True(t, doc.Total().Equal(budget.MustMoney("8750.50")))
}

func TestParsePRE_RejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"malformed json":   `{"line_items": [`,
		"bad quarter":      `{"line_items": [{"item_key": "a", "amounts": {"Q5": "1"}}]}`,
		"duplicate quarter": `{"line_items": [{"item_key": "a", "amounts": {"Q1": "1", "1": "2"}}]}`,
		"three decimals":   `{"line_items": [{"item_key": "a", "amounts": {"Q1": "1.005"}}]}`,
		"negative":         `{"line_items": [{"item_key": "a", "amounts": {"Q1": "-1"}}]}`,
		"duplicate key":    `{"line_items": [{"item_key": "a", "amounts": {"Q1": "1"}}, {"item_key": "a", "amounts": {"Q2": "1"}}]}`,
		"all zero":         `{"line_items": [{"item_key": "a", "amounts": {"Q1": "0"}}]}`,
		"empty":            `{"line_items": []}`,
	}
	f := factory.NewPREFactory()
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParsePRE([]byte(payload))
			assert.ErrorIs(t, err, budget.ErrValidation)
		})
	}
}

func TestToJSON_GroupsQuartersByItemKey(t *testing.T) {
	// GIVEN: Stored line items for two keys across quarters
	// WHEN: Converting back to the payload shape
	// THEN: One entry per key, sorted, and it parses back to the same total

	items := []budget.LineItemBudget{
		{ItemKey: "supplies", Quarter: budget.Q2, AllocatedAmount: decimal.NewFromInt(300)},
		{ItemKey: "meals", Category: "Food", Quarter: budget.Q1, AllocatedAmount: decimal.NewFromInt(100)},
		{ItemKey: "supplies", Quarter: budget.Q1, AllocatedAmount: decimal.NewFromInt(200)},
	}
	f := factory.NewPREFactory()
	pj := f.ToJSON("PRE", items)

	require.Len(t, pj.LineItems, 2)
	assert.Equal(t, "meals", pj.LineItems[0].ItemKey)
	assert.Equal(t, "supplies", pj.LineItems[1].ItemKey)
	assert.Len(t, pj.LineItems[1].Amounts, 2)

	doc, err := f.FromJSON(pj)
	require.NoError(t, err)
	assert.True(t, doc.Total().Equal(decimal.NewFromInt(600)))
}
