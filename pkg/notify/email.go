package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"github.com/ethpandaops/regressoor/pkg/config"
)

type smtpEmailer struct {
	log logrus.FieldLogger
	cfg *config.EmailConfig
}

// Ensure interface compliance.
var _ Emailer = (*smtpEmailer)(nil)

// NewSMTPEmailer creates an Emailer that delivers through an SMTP relay.
func NewSMTPEmailer(log logrus.FieldLogger, cfg *config.EmailConfig) Emailer {
	return &smtpEmailer{
		log: log.WithField("component", "smtp"),
		cfg: cfg,
	}
}

func (e *smtpEmailer) Send(ctx context.Context, msg Message) error {
	m, err := buildMessage(e.cfg.From, msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(e.cfg.Host, e.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("sending mail via %s: %w", e.cfg.Host, err)
	}

	e.log.WithField("subject", msg.Subject).Debug("Mail delivered")

	return nil
}

func (e *smtpEmailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}

	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}

	return opts
}

func buildMessage(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()

	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("setting sender %q: %w", from, err)
	}

	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("setting recipients: %w", err)
	}

	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	return m, nil
}
