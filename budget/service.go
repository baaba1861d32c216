package budget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// SERVICE - Entry point for the web layer
// =============================================================================

// Recipients are the notification addresses for the two approval roles.
type Recipients struct {
	Admin   string
	Officer string
}

// Service runs every budget operation as one unit of work: take the balance
// locks, open a transaction, apply the state change and ledger mutations,
// commit, then notify.
type Service struct {
	store      TxStore
	ledger     *Ledger
	locker     Locker
	notifier   Notifier
	recipients Recipients
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Service)

// WithLocker adds a cross-process lock around balance mutations.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithRecipients sets who is told about pending decisions.
func WithRecipients(r Recipients) Option { return func(s *Service) { s.recipients = r } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service over store.
func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   discardLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = NewLedger(s.log)
	s.ledger.now = s.now
	return s
}

// Store exposes the underlying store for read-only views.
func (s *Service) Store() TxStore { return s.store }

// Ledger exposes the ledger used by the service.
func (s *Service) Ledger() *Ledger { return s.ledger }

// =============================================================================
// UNIT OF WORK
// =============================================================================

// atomically acquires the locks for keys (sorted, to avoid lock-order
// deadlocks), then runs fn inside one transaction.
func (s *Service) atomically(ctx context.Context, keys []string, fn func(Store) error) error {
	if s.locker != nil {
		sorted := append([]string(nil), keys...)
		sort.Strings(sorted)
		var prev string
		for _, key := range sorted {
			if key == "" || key == prev {
				continue
			}
			prev = key
			unlock, err := s.locker.Lock(ctx, key)
			if err != nil {
				if errors.Is(err, ErrLockNotObtained) {
					return err
				}
				return fmt.Errorf("%w: %s: %v", ErrLockNotObtained, key, err)
			}
			defer unlock()
		}
	}
	return s.store.WithTx(ctx, fn)
}

func allocationKey(id AllocationID) string {
	if id == "" {
		return ""
	}
	return "allocation:" + string(id)
}

func budgetKey(id BudgetID) string {
	return "budget:" + string(id)
}

func (s *Service) audit(ctx context.Context, st Store, actor string, action AuditAction, model, recordID string, detail map[string]any) error {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		Actor:     actor,
		Action:    action,
		ModelName: model,
		RecordID:  recordID,
		Detail:    detail,
	}
	if err := st.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// notify sends after commit; delivery failures are logged only.
func (s *Service) notify(ctx context.Context, notes ...Notification) {
	if s.notifier == nil {
		return
	}
	for _, n := range notes {
		if n.Recipient == "" {
			continue
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"recipient": n.Recipient,
				"object_id": n.ObjectID,
			}).Warn("notification delivery failed")
		}
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
