package email

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// NoticeKind classifies an inbound notification found in a monitored
// mailbox.
type NoticeKind string

const (
	// NoticeBounce marks a delivery-failure notification (DSN or
	// heuristically detected mailer-daemon reply).
	NoticeBounce NoticeKind = "bounce"

	// NoticeComplaint marks a spam/abuse complaint, e.g. a
	// feedback-loop report from a mailbox provider.
	NoticeComplaint NoticeKind = "complaint"

	// NoticeUnknown marks a message in the monitored mailbox that does
	// not match either heuristic; it is surfaced so operators can
	// extend the classification rules rather than silently dropping it.
	NoticeUnknown NoticeKind = "unknown"
)

// Notice is a single bounce or complaint notification drained from a
// monitored mailbox, reported to the Distribution Controller so it can
// transition the affected subscriber to inactive per spec.md §4.5.
type Notice struct {
	Account string
	Kind    NoticeKind
	UID     uint32
	Subject string
	From    string

	// RecipientTo is the subscriber address this notice is actually
	// about, not the mailbox the notice landed in. For a bounce it is
	// the DSN's Final-Recipient when the message carries a parseable
	// message/delivery-status part, falling back to the bounce
	// message's own To header otherwise.
	RecipientTo []string
}

// HighWaterMark persists the last-seen IMAP UID per account so repeated
// polls only report genuinely new messages. Implementations are
// expected to be conditional-write backed (e.g. internal/kvstore) so
// concurrent watchers on the same account never double-report.
type HighWaterMark interface {
	Get(ctx context.Context, account string) (uint32, error)
	Set(ctx context.Context, account string, uid uint32) error
}

// Watcher drains bounce and complaint notifications from a single
// IMAP mailbox. It holds no state of its own beyond the connection —
// the high-water mark lives in the injected HighWaterMark store so the
// watcher can run from a stateless worker.
type Watcher struct {
	account string
	folder  string
	client  *Client
	marks   HighWaterMark
	logger  *slog.Logger
}

// NewWatcher creates a bounce/complaint watcher for one account's IMAP
// mailbox. folder defaults to "INBOX" when empty.
func NewWatcher(account string, cfg IMAPConfig, folder string, marks HighWaterMark, logger *slog.Logger) *Watcher {
	if folder == "" {
		folder = "INBOX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		account: account,
		folder:  folder,
		client:  NewClient(cfg, logger),
		marks:   marks,
		logger:  logger,
	}
}

// Poll fetches every message newer than the stored high-water mark,
// classifies each as a bounce, complaint, or unknown notice, and
// advances the mark to the highest UID seen. A poll that finds nothing
// new returns an empty, non-nil slice.
func (w *Watcher) Poll(ctx context.Context) ([]Notice, error) {
	mark, err := w.marks.Get(ctx, w.account)
	if err != nil {
		return nil, fmt.Errorf("bounce watcher %s: load high-water mark: %w", w.account, err)
	}

	envelopes, err := w.client.EnvelopesSince(ctx, w.folder, mark)
	if err != nil {
		return nil, fmt.Errorf("bounce watcher %s: fetch envelopes: %w", w.account, err)
	}
	if len(envelopes) == 0 {
		return []Notice{}, nil
	}

	notices := make([]Notice, 0, len(envelopes))
	highest := mark
	for _, env := range envelopes {
		kind := classifyNotice(env)
		recipient := env.To

		if kind == NoticeBounce {
			if raw, err := w.client.FetchBody(ctx, w.folder, env.UID); err != nil {
				w.logger.Debug("bounce watcher: fetch body for DSN parse failed", "uid", env.UID, "error", err)
			} else if addr, ok := dsnFinalRecipient(raw); ok {
				recipient = []string{addr}
			}
		}

		notices = append(notices, Notice{
			Account:     w.account,
			Kind:        kind,
			UID:         env.UID,
			Subject:     env.Subject,
			From:        env.From,
			RecipientTo: recipient,
		})
		if env.UID > highest {
			highest = env.UID
		}
	}

	if highest > mark {
		if err := w.marks.Set(ctx, w.account, highest); err != nil {
			return nil, fmt.Errorf("bounce watcher %s: advance high-water mark: %w", w.account, err)
		}
	}

	return notices, nil
}

// Close releases the underlying IMAP connection.
func (w *Watcher) Close() error {
	return w.client.Close()
}

// classifyNotice applies simple header heuristics to tell bounces from
// complaints from unrelated mail. This mirrors the conservative
// approach real mail providers use when no machine-readable DSN or ARF
// part is available to parse: match on well-known sender/subject
// conventions rather than attempting full MIME report parsing.
func classifyNotice(env Envelope) NoticeKind {
	from := strings.ToLower(env.From)
	subject := strings.ToLower(env.Subject)

	switch {
	case strings.Contains(from, "mailer-daemon"),
		strings.Contains(from, "postmaster"),
		strings.Contains(subject, "undeliverable"),
		strings.Contains(subject, "delivery status notification"),
		strings.Contains(subject, "returned mail"),
		strings.Contains(subject, "failure notice"):
		return NoticeBounce

	case strings.Contains(from, "abuse"),
		strings.Contains(subject, "complaint"),
		strings.Contains(subject, "spam report"),
		strings.Contains(subject, "feedback loop"):
		return NoticeComplaint

	default:
		return NoticeUnknown
	}
}

// dsnFinalRecipient walks a raw RFC822 bounce message for a
// message/delivery-status part and extracts its Final-Recipient
// field, the DSN's authoritative answer to "who bounced" (RFC 3464).
// The walking shape mirrors parseBody's mail.CreateReader/NextPart
// loop; this one stops at the first delivery-status part found rather
// than collecting a text body.
func dsnFinalRecipient(raw []byte) (string, bool) {
	mailReader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return "", false
	}
	if mailReader == nil {
		return "", false
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "message/delivery-status" {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, 64*1024))
		if err != nil {
			continue
		}
		if addr, ok := scanFinalRecipient(body); ok {
			return addr, true
		}
	}
	return "", false
}

// scanFinalRecipient parses a message/delivery-status part's
// per-recipient fields for Final-Recipient, whose value takes the
// form "address-type;address" (typically "rfc822;user@example.com").
func scanFinalRecipient(body []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(strings.ToLower(line), "final-recipient:") {
			continue
		}
		value := strings.TrimSpace(line[strings.Index(line, ":")+1:])
		fields := strings.SplitN(value, ";", 2)
		addr := strings.ToLower(strings.TrimSpace(fields[len(fields)-1]))
		if addr != "" {
			return addr, true
		}
	}
	return "", false
}
