// ABOUTME: Built-in "email" task kind: SMTP delivery using go-mail, dial per send.
// ABOUTME: All recipients go in BCC of a single message; a retry resends to all of them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// KindEmail is the built-in kind handled by EmailHandler.
const KindEmail = "email"

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// EmailTask is the data of an email task. HTML is optional.
type EmailTask struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// EmailHandler returns a Handler that sends EmailTask data through cfg.
func EmailHandler(cfg SMTPConfig) Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var et EmailTask
		if err := json.Unmarshal(data, &et); err != nil {
			return fmt.Errorf("decode email task: %w", err)
		}
		return sendEmail(ctx, cfg, et)
	}
}

func sendEmail(ctx context.Context, cfg SMTPConfig, et EmailTask) error {
	if len(et.To) == 0 {
		return errors.New("email send: no recipients")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(et.Subject)

	m := mail.NewMsg()
	if err := m.FromFormat("pgtasks", cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.Bcc(et.To...); err != nil {
		return fmt.Errorf("email send: set bcc: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, et.Text)
	if et.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, et.HTML)
	}

	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
