/*
scheduler.go - Automated balance reconciliation

PURPOSE:
  Periodically runs recalculate_and_fix over every allocation and keeps
  the latest report for GET /api/reconciliation/last. Counters only drift
  through direct database edits or bugs, so the run is normally a clean
  report.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Report-only unless AutoFix is set
  - Drift is logged at WARN (per field by the service, summary here)
  - A run that fails keeps the previous report

USAGE:
  scheduler := NewReconciliationScheduler(svc, time.Hour, false, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual run)
  - budget/reconcile.go: RecalculateAndFix
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/budget"
)

// SchedulerActor is recorded as the actor of scheduled corrections.
const SchedulerActor = "scheduler"

// ReconciliationScheduler handles automated reconciliation.
type ReconciliationScheduler struct {
	Service  *budget.Service
	Interval time.Duration
	AutoFix  bool

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *budget.DiscrepancyReport
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(svc *budget.Service, interval time.Duration, autoFix bool, log logrus.FieldLogger) *ReconciliationScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Service:  svc,
		Interval: interval,
		AutoFix:  autoFix,
		log:      log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		return
	}
	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.WithFields(logrus.Fields{"interval": rs.Interval, "auto_fix": rs.AutoFix}).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow runs one reconciliation pass and stores its report.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*budget.DiscrepancyReport, error) {
	report, err := rs.Service.RecalculateAndFix(ctx, budget.ReconcileOptions{
		Apply: rs.AutoFix,
		Actor: SchedulerActor,
	})
	if err != nil {
		rs.log.WithError(err).Error("reconciliation failed")
		return nil, err
	}

	// The service logs each discrepancy; only the outcome is added here.
	if err := report.Err(); err != nil {
		rs.log.WithError(err).Warn("scheduled reconciliation found drift")
	}

	rs.reportMu.Lock()
	rs.last = report
	rs.reportMu.Unlock()
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (rs *ReconciliationScheduler) LastReport() *budget.DiscrepancyReport {
	rs.reportMu.RLock()
	defer rs.reportMu.RUnlock()
	return rs.last
}
