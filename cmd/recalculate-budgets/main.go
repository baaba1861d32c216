/*
main.go - recalculate_and_fix from the command line

PURPOSE:
  Recomputes allocation, line item and budget counters from approved
  documents and reports where they disagree. Report-only by default;
  -apply writes the corrections through the ledger so they are journaled
  and audited like any other mutation.

EXIT STATUS:
  0  no discrepancies, or all of them fixed with -apply
  1  run failed
  2  bad flags
  3  discrepancies found and left in place

EXAMPLES:
  # Report every allocation
  ./recalculate-budgets -db=./data/budget.db

  # Repair one allocation
  ./recalculate-budgets -db=./data/budget.db -allocation-id=<uuid> -apply -actor=finance-admin
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/config"
	"github.com/warp/budget-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	allocationID := flag.String("allocation-id", "", "Optional: check a single allocation id")
	apply := flag.Bool("apply", false, "Write corrections (default is report only)")
	actor := flag.String("actor", "recalculate-budgets", "Actor recorded on corrections")
	flag.Parse()

	if *apply && strings.TrimSpace(*actor) == "" {
		fmt.Fprintln(os.Stderr, "--actor is required with --apply")
		os.Exit(2)
	}

	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer store.Close()

	svc := budget.NewService(store, budget.WithLogger(log))
	report, err := svc.RecalculateAndFix(context.Background(), budget.ReconcileOptions{
		AllocationID: budget.AllocationID(strings.TrimSpace(*allocationID)),
		Apply:        *apply,
		Actor:        strings.TrimSpace(*actor),
	})
	if err != nil {
		log.WithError(err).Error("recalculation failed")
		store.Close()
		os.Exit(1)
	}

	unfixed := 0
	for _, d := range report.Discrepancies {
		if !d.Fixed {
			unfixed++
		}
		fmt.Printf("%s id=%s field=%s tracked=%s actual=%s difference=%s fixed=%t\n",
			d.Model, d.ID, d.Field,
			d.Tracked.StringFixed(budget.MoneyScale),
			d.Actual.StringFixed(budget.MoneyScale),
			d.Difference().StringFixed(budget.MoneyScale),
			d.Fixed)
	}
	log.WithFields(logrus.Fields{
		"allocations":   report.AllocationsChecked,
		"line_items":    report.LineItemsChecked,
		"budgets":       report.BudgetsChecked,
		"discrepancies": len(report.Discrepancies),
		"applied":       report.Applied,
	}).Info("recalculation complete")

	if unfixed > 0 {
		store.Close()
		os.Exit(3)
	}
}
