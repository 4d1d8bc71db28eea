package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/config"
	"github.com/observatorio-andes/snowflow/errors"
)

// Mailer notifies operators of terminal transitions over SMTP.
type Mailer struct {
	cfg config.EmailConfig
	log *zap.SugaredLogger

	// send is split out so tests can capture the message without an SMTP
	// server.
	send func(ctx context.Context, m *mail.Msg) error
}

// NewMailer creates an SMTP notifier from the email configuration.
func NewMailer(cfg config.EmailConfig, log *zap.SugaredLogger) *Mailer {
	m := &Mailer{cfg: cfg, log: log}
	m.send = m.smtpSend
	return m
}

// Notify formats and sends the notification email for the event.
func (m *Mailer) Notify(ctx context.Context, ev Event) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return errors.Wrap(err, "invalid sender address")
	}
	if err := msg.To(m.cfg.To...); err != nil {
		return errors.Wrap(err, "invalid recipient address")
	}

	msg.Subject(subjectFor(ev))
	msg.SetBodyString(mail.TypeTextPlain, bodyFor(ev))

	if err := m.send(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to send notification email")
	}

	m.log.Infow("Notification sent",
		"record_id", ev.Record.ID,
		"job_type", ev.Record.JobType,
		"outcome", ev.Outcome,
		"recipients", len(m.cfg.To),
	)
	return nil
}

func (m *Mailer) smtpSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(30 * time.Second),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func subjectFor(ev Event) string {
	switch ev.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("[snowflow] %s succeeded (attempt %d)", ev.Record.JobType, ev.Record.Attempt)
	case OutcomeTimeout:
		return fmt.Sprintf("[snowflow] %s timed out (attempt %d)", ev.Record.JobType, ev.Record.Attempt)
	case OutcomeExhausted:
		return fmt.Sprintf("[snowflow] %s failed permanently after %d attempts", ev.Record.JobType, ev.Record.Attempt)
	case OutcomeSubmissionFailure:
		return fmt.Sprintf("[snowflow] %s submission rejected", ev.Record.JobType)
	default:
		return fmt.Sprintf("[snowflow] %s failed (attempt %d)", ev.Record.JobType, ev.Record.Attempt)
	}
}

func bodyFor(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job type:  %s\n", ev.Record.JobType)
	fmt.Fprintf(&b, "Record:    %s\n", ev.Record.ID)
	fmt.Fprintf(&b, "Attempt:   %d\n", ev.Record.Attempt)
	fmt.Fprintf(&b, "Outcome:   %s\n", ev.Outcome)
	if ev.Record.TaskHandle != "" {
		fmt.Fprintf(&b, "Task:      %s\n", ev.Record.TaskHandle)
	}
	if ev.Record.Artifact != "" {
		fmt.Fprintf(&b, "Artifact:  %s\n", ev.Record.Artifact)
	}
	if ev.Record.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", ev.Record.CompletedAt.Format(time.RFC3339))
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", ev.Message)
	}
	return b.String()
}
