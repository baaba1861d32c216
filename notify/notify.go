/*
Package notify provides budget.Notifier implementations.

PURPOSE:
  The service tells the approving roles about pending decisions and the
  submitter about outcomes. Delivery happens after the transaction
  commits and never rolls a decision back, so every notifier here simply
  reports its error and lets the service log it.

IMPLEMENTATIONS:
  Log:    writes each notification as a logrus entry
  Mailer: SMTP delivery with go-mail
  Multi:  fan-out to several notifiers

SEE ALSO:
  - budget/service.go: notify() after commit
  - config/config.go: SMTP_* and recipient settings
*/
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/budget"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log writes notifications to a logger. Used when SMTP is not configured.
type Log struct {
	log logrus.FieldLogger
}

var _ budget.Notifier = (*Log)(nil)

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n budget.Notification) error {
	l.log.WithFields(logrus.Fields{
		"recipient":    n.Recipient,
		"content_type": n.ContentType,
		"object_id":    n.ObjectID,
		"title":        n.Title,
	}).Info(n.Message)
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every notifier and joins their errors.
type Multi []budget.Notifier

var _ budget.Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, n budget.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
