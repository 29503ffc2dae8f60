// Package emailsender implements capability C5: send(from, to,
// subject, html_body, text_body) with up-front sending-identity
// verification and an asynchronous bounce/complaint callback channel.
// It wraps the repaired internal/email package (SMTP transport, MIME
// composition, and the IMAP bounce watcher) rather than reimplementing
// any of that transport logic.
package emailsender

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/contentdigest/internal/email"
	"github.com/nugget/contentdigest/internal/errkind"
)

// Status is the outcome of a single send attempt.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRejected Status = "rejected"
)

// SendResult is returned by Send.
type SendResult struct {
	DeliveryID string
	Status     Status
}

// Notification is a bounce or complaint surfaced for a prior send,
// re-exported from internal/email.Notice with the timestamp it was
// observed so Drain can age entries out.
type Notification struct {
	Account     string
	Kind        email.NoticeKind
	Address     string
	ObservedAt  time.Time
	Subject     string
}

// Account bundles one configured mailbox's SMTP send identity with the
// IMAP bounce watcher that monitors it.
type Account struct {
	Name    string
	From    string
	SMTP    email.SMTPConfig
	Watcher *email.Watcher
}

// Sender is the capability-boundary implementation of C5. It is safe
// for concurrent use.
type Sender struct {
	accounts map[string]Account
	logger   *slog.Logger

	mu            sync.Mutex
	notifications []Notification
}

// New verifies every account's sending identity and returns a Sender.
// Verification failure is a startup-time error: a misconfigured SMTP
// account must never be discovered mid-run against a live recipient.
func New(ctx context.Context, cfg email.Config, marks email.HighWaterMark, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("emailsender: %w: no accounts configured", errkind.ConfigurationError)
	}

	s := &Sender{accounts: make(map[string]Account), logger: logger}

	for _, acct := range cfg.Accounts {
		if !acct.SMTPConfigured() {
			continue
		}
		if err := verifyIdentity(acct); err != nil {
			return nil, fmt.Errorf("emailsender: verify account %q: %w", acct.Name, err)
		}

		entry := Account{
			Name: acct.Name,
			From: acct.DefaultFrom,
			SMTP: acct.SMTP,
		}
		if acct.IMAP.Host != "" && marks != nil {
			// An empty folder makes the watcher poll INBOX, where
			// bounce and complaint reports arrive.
			entry.Watcher = email.NewWatcher(acct.Name, acct.IMAP, "", marks, logger)
		}
		s.accounts[acct.Name] = entry
		logger.Info("emailsender: account ready", "account", acct.Name, "from", acct.DefaultFrom)
	}

	if len(s.accounts) == 0 {
		return nil, fmt.Errorf("emailsender: %w: no SMTP-capable accounts configured", errkind.ConfigurationError)
	}
	return s, nil
}

// verifyIdentity performs the startup identity check: DefaultFrom must
// parse as a mail address and SMTP credentials must be present. This
// deliberately stops short of a live SMTP round trip (the receiving
// server may rate-limit or greylist unauthenticated probes); malformed
// configuration is caught here and transient connectivity issues are
// caught on the first real Send.
func verifyIdentity(acct email.AccountConfig) error {
	if acct.DefaultFrom == "" {
		return fmt.Errorf("account %q: default_from is required for SMTP sending", acct.Name)
	}
	if _, err := mail.ParseAddress(acct.DefaultFrom); err != nil {
		return fmt.Errorf("account %q: invalid default_from %q: %w", acct.Name, acct.DefaultFrom, err)
	}
	if acct.SMTP.Username == "" || acct.SMTP.Password == "" {
		return fmt.Errorf("account %q: SMTP username and password are required", acct.Name)
	}
	return nil
}

// AccountNames returns the names of every SMTP-capable configured
// account, in no particular order.
func (s *Sender) AccountNames() []string {
	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	return names
}

// Send delivers one message via the named account's SMTP transport.
// html_body is required; text_body is derived from it when empty.
func (s *Sender) Send(ctx context.Context, accountName, from, subject, htmlBody, textBody string, to []string) (SendResult, error) {
	acct, ok := s.accounts[accountName]
	if !ok {
		return SendResult{Status: StatusRejected}, fmt.Errorf("emailsender: %w: unknown account %q", errkind.ConfigurationError, accountName)
	}
	if from == "" {
		from = acct.From
	}

	msg, err := email.ComposeMessage(email.ComposeOptions{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    htmlBody,
	})
	if err != nil {
		return SendResult{Status: StatusRejected}, fmt.Errorf("emailsender: compose: %w", err)
	}

	recipients := to
	if err := email.SendMail(ctx, acct.SMTP, bareAddress(from), recipients, msg); err != nil {
		return SendResult{Status: StatusRejected}, fmt.Errorf("emailsender: %w: send via %q: %v", errkind.TransientUpstream, accountName, err)
	}

	return SendResult{DeliveryID: uuid.NewString(), Status: StatusQueued}, nil
}

// Drain polls every account's bounce/complaint watcher, records the
// resulting notifications, and returns the accumulated set not older
// than maxAge. The Distribution Controller calls this once at the
// start of each run per spec.md §4.5/§8 property 9.
func (s *Sender) Drain(ctx context.Context, maxAge time.Duration) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for name, acct := range s.accounts {
		if acct.Watcher == nil {
			continue
		}
		notices, err := acct.Watcher.Poll(ctx)
		if err != nil {
			s.logger.Warn("emailsender: bounce poll failed", "account", name, "error", err)
			continue
		}
		for _, n := range notices {
			// n.From is the reporting mailer-daemon/postmaster/abuse
			// address, not the subscriber; RecipientTo carries the
			// DSN's Final-Recipient (or the bounce message's own To
			// header as a fallback) and is what Distribute actually
			// needs to deactivate.
			addr := ""
			if len(n.RecipientTo) > 0 {
				addr = n.RecipientTo[0]
			}
			s.notifications = append(s.notifications, Notification{
				Account:    name,
				Kind:       n.Kind,
				Address:    addr,
				ObservedAt: now,
				Subject:    n.Subject,
			})
		}
	}

	var fresh []Notification
	var kept []Notification
	cutoff := now.Add(-maxAge)
	for _, n := range s.notifications {
		if n.ObservedAt.After(cutoff) {
			kept = append(kept, n)
			fresh = append(fresh, n)
		}
	}
	s.notifications = kept
	return fresh, nil
}

// Close releases every account's bounce-watcher IMAP connection.
func (s *Sender) Close() error {
	var firstErr error
	for _, acct := range s.accounts {
		if acct.Watcher == nil {
			continue
		}
		if err := acct.Watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func bareAddress(addr string) string {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return addr
	}
	return parsed.Address
}
