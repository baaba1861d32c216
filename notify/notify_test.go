package notify_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	mail "github.com/go-mail/mail/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/notify"
)

func pendingNote(recipient string) budget.Notification {
	return budget.Notification{
		Recipient:   recipient,
		Title:       "New PR awaiting review",
		Message:     `cs-dept submitted "Laptops" for 40000.00.`,
		ContentType: "purchase_request",
		ObjectID:    "pr-1",
	}
}

func TestLog_WritesOneEntryWithFields(t *testing.T) {
	logger, hook := test.NewNullLogger()

	err := notify.NewLog(logger).Notify(context.Background(), pendingNote("admin"))
	require.NoError(t, err)

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "admin", entry.Data["recipient"])
	assert.Equal(t, "pr-1", entry.Data["object_id"])
	assert.Contains(t, entry.Message, "Laptops")
}

func TestMailer_SendsPlainTextToRecipient(t *testing.T) {
	// GIVEN: A mailer on a capturing sender
	// WHEN: Notifying an email recipient
	// THEN: One message with the title in the subject and the reference in the body

	var gotFrom string
	var gotTo []string
	var raw bytes.Buffer
	sender := mail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		gotFrom, gotTo = from, to
		_, err := msg.WriteTo(&raw)
		return err
	})

	m := notify.NewMailerWithSender("budget@example.org", sender)
	require.NoError(t, m.Notify(context.Background(), pendingNote("admin@example.org")))

	assert.Equal(t, "budget@example.org", gotFrom)
	assert.Equal(t, []string{"admin@example.org"}, gotTo)
	assert.Contains(t, raw.String(), "Subject: [Budget] New PR awaiting review")
	assert.Contains(t, raw.String(), "Reference: purchase_request pr-1")
}

func TestMailer_SkipsNonAddressRecipients(t *testing.T) {
	called := false
	sender := mail.SendFunc(func(string, []string, io.WriterTo) error {
		called = true
		return nil
	})

	m := notify.NewMailerWithSender("budget@example.org", sender)
	require.NoError(t, m.Notify(context.Background(), pendingNote("officer")))
	assert.False(t, called)
}

func TestMailer_WrapsSendError(t *testing.T) {
	boom := errors.New("relay down")
	sender := mail.SendFunc(func(string, []string, io.WriterTo) error { return boom })

	err := notify.NewMailerWithSender("budget@example.org", sender).
		Notify(context.Background(), pendingNote("admin@example.org"))
	assert.ErrorIs(t, err, boom)
}

func TestNewMailer_RequiresHostAndFrom(t *testing.T) {
	_, err := notify.NewMailer(notify.SMTPConfig{Host: "smtp.example.org"})
	assert.Error(t, err)

	m, err := notify.NewMailer(notify.SMTPConfig{Host: "smtp.example.org", From: "b@example.org"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

type failing struct{ err error }

func (f failing) Notify(context.Context, budget.Notification) error { return f.err }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	boom := errors.New("smtp down")

	multi := notify.Multi{failing{boom}, notify.NewLog(logger), nil}
	err := multi.Notify(context.Background(), pendingNote("admin"))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, hook.AllEntries(), 1, "later notifiers still run")
}
