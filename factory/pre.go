/*
Package factory provides JSON to Go conversion of PRE line items.

PURPOSE:
  The PRE spreadsheet parser runs outside this service and emits the
  structured per-quarter amounts of each budget line as JSON. The factory
  decodes that payload into budget.LineItemInput values and validates them
  before the service materializes LineItemBudget rows. No spreadsheet
  handling happens here.

JSON SCHEMA:
  {
    "title": "FY2024 PRE - College of Engineering",
    "line_items": [
      {
        "item_key": "travel_local",
        "category": "Traveling Expenses",
        "amounts": {"Q1": "5000.00", "Q2": 2500, "Q3": "0", "Q4": "1250.50"}
      }
    ]
  }

  Quarter keys accept "Q1".."Q4" in any case or "1".."4". Amounts may be
  JSON numbers or strings; more than two decimal places is an error.

USAGE:
  f := factory.NewPREFactory()
  doc, err := f.ParsePRE(payload)
  ...
  svc.SubmitRequest(ctx, budget.SubmitInput{Kind: budget.KindPRE, LineItems: doc.LineItems, ...})

SEE ALSO:
  - budget/lineitems.go: ValidateLineItems, materialization
  - api/handlers.go: PRE submission endpoint
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PREJSON is the parser's payload for one PRE.
type PREJSON struct {
	Title     string         `json:"title,omitempty"`
	LineItems []LineItemJSON `json:"line_items"`
}

// LineItemJSON is one budget line with its quarterly amounts.
type LineItemJSON struct {
	ItemKey  string                     `json:"item_key"`
	Category string                     `json:"category,omitempty"`
	Amounts  map[string]decimal.Decimal `json:"amounts"`
}

// PREDocument is a decoded and validated PRE.
type PREDocument struct {
	Title     string
	LineItems []budget.LineItemInput
}

// Total is the sum of every quarter of every line.
func (d PREDocument) Total() decimal.Decimal {
	return budget.LineItemsTotal(d.LineItems)
}

// =============================================================================
// PRE FACTORY
// =============================================================================

// PREFactory converts parser payloads to line-item inputs.
type PREFactory struct{}

// NewPREFactory creates a new PRE factory.
func NewPREFactory() *PREFactory {
	return &PREFactory{}
}

// ParsePRE parses a JSON payload into a validated PREDocument.
func (f *PREFactory) ParsePRE(payload []byte) (*PREDocument, error) {
	var pj PREJSON
	if err := json.Unmarshal(payload, &pj); err != nil {
		return nil, &budget.ValidationError{Field: "line_items", Message: fmt.Sprintf("failed to parse PRE JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON converts PREJSON to a validated PREDocument.
func (f *PREFactory) FromJSON(pj PREJSON) (*PREDocument, error) {
	doc := &PREDocument{Title: pj.Title}
	for _, lj := range pj.LineItems {
		in := budget.LineItemInput{
			ItemKey:  lj.ItemKey,
			Category: lj.Category,
			Amounts:  make(map[budget.Quarter]decimal.Decimal, len(lj.Amounts)),
		}
		for key, amount := range lj.Amounts {
			q, err := budget.ParseQuarter(key)
			if err != nil {
				return nil, fmt.Errorf("line %q: %w", lj.ItemKey, err)
			}
			if _, dup := in.Amounts[q]; dup {
				return nil, &budget.ValidationError{
					Field:   "line_items.amounts",
					Message: fmt.Sprintf("line %q lists %s twice", lj.ItemKey, q),
				}
			}
			in.Amounts[q] = amount
		}
		doc.LineItems = append(doc.LineItems, in)
	}
	if err := budget.ValidateLineItems(doc.LineItems); err != nil {
		return nil, err
	}
	return doc, nil
}

// ToJSON converts stored line items back to the payload shape, one entry
// per item key.
func (f *PREFactory) ToJSON(title string, items []budget.LineItemBudget) PREJSON {
	byKey := make(map[string]*LineItemJSON)
	var keys []string
	for _, li := range items {
		lj, ok := byKey[li.ItemKey]
		if !ok {
			lj = &LineItemJSON{
				ItemKey:  li.ItemKey,
				Category: li.Category,
				Amounts:  make(map[string]decimal.Decimal),
			}
			byKey[li.ItemKey] = lj
			keys = append(keys, li.ItemKey)
		}
		lj.Amounts[string(li.Quarter)] = li.AllocatedAmount
	}
	sort.Strings(keys)

	pj := PREJSON{Title: title}
	for _, k := range keys {
		pj.LineItems = append(pj.LineItems, *byKey[k])
	}
	return pj
}
