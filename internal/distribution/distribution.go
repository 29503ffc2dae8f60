// Package distribution implements capability C11: drain pending
// bounce/complaint notifications, then deliver the rendered digest to
// every active subscriber at a bounded send rate. The limiter shape
// (golang.org/x/time/rate wrapping a single outbound call site) is
// adopted from the r3e-network/service_layer retrieval example's
// infrastructure/ratelimit package — the teacher repo has no outbound
// rate limiter of its own to generalize.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/contentdigest/internal/digest"
	"github.com/nugget/contentdigest/internal/email"
	"github.com/nugget/contentdigest/internal/emailsender"
	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/subscriber"
)

// Mailer is the sending capability the Controller depends on, narrowed
// from *emailsender.Sender to its two call sites so tests can supply a
// fake rather than dialing a live SMTP server.
type Mailer interface {
	Send(ctx context.Context, accountName, from, subject, htmlBody, textBody string, to []string) (emailsender.SendResult, error)
	Drain(ctx context.Context, maxAge time.Duration) ([]emailsender.Notification, error)
}

// DefaultRatePerSecond and DefaultBurst bound outbound send velocity.
const (
	DefaultRatePerSecond = 5.0
	DefaultBurst         = 10
)

// MaxRetries bounds per-recipient retry attempts on transient failure.
const MaxRetries = 2

// BounceNoticeMaxAge is how long a drained bounce/complaint
// notification is considered actionable before aging out.
const BounceNoticeMaxAge = 7 * 24 * time.Hour

// Outcome is one subscriber's delivery result.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeDeactivated Outcome = "deactivated"
)

// Result records one subscriber's delivery outcome.
type Result struct {
	Email   string
	Outcome Outcome
	Err     error
}

// Report summarizes a full distribution run.
type Report struct {
	Results     []Result
	SentCount   int
	FailedCount int
	Skipped     bool // true when there was no content to distribute
}

// Config configures a Controller.
type Config struct {
	Account             string
	RatePerSecond       float64
	Burst               int
	UnsubscribeBaseURL  string // base URL the per-subscriber "?token=" link is appended to
}

// Controller drains bounce notifications and fans a rendered digest
// out to active subscribers.
type Controller struct {
	sender             Mailer
	subscribers        *subscriber.Controller
	limiter            *rate.Limiter
	account            string
	unsubscribeBaseURL string
	logger             *slog.Logger
}

// New constructs a Controller.
func New(sender Mailer, subs *subscriber.Controller, cfg Config, logger *slog.Logger) *Controller {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sender:             sender,
		subscribers:        subs,
		limiter:            rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		account:            cfg.Account,
		unsubscribeBaseURL: cfg.UnsubscribeBaseURL,
		logger:             logger,
	}
}

// unsubscribeURL builds sub's personal one-click unsubscribe link. An
// unconfigured base URL or missing token (a subscriber that somehow
// reached active status before this field existed) falls back to the
// base URL unchanged rather than producing a broken link.
func (c *Controller) unsubscribeURL(sub subscriber.Subscriber) string {
	if c.unsubscribeBaseURL == "" || sub.UnsubscribeToken == "" {
		return c.unsubscribeBaseURL
	}
	sep := "?"
	if strings.Contains(c.unsubscribeBaseURL, "?") {
		sep = "&"
	}
	return c.unsubscribeBaseURL + sep + "token=" + url.QueryEscape(sub.UnsubscribeToken)
}

// Distribute drains bounce/complaint notifications, deactivating the
// affected subscribers, then sends the rendered digest to every
// remaining active subscriber in a stable (email-sorted) order. An
// empty digest is skipped entirely per spec.md §5 invariant 7.
func (c *Controller) Distribute(ctx context.Context, d digest.Digest, subject, htmlBody, textBody string) (Report, error) {
	if len(d.Categories) == 0 {
		return Report{Skipped: true}, nil
	}

	if err := c.drainBounces(ctx); err != nil {
		c.logger.Warn("distribution: bounce drain failed, proceeding anyway", "error", err)
	}

	subs, err := c.subscribers.ActiveSubscribers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("distribution: list active subscribers: %w", err)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Email < subs[j].Email })

	var report Report
	for _, sub := range subs {
		result := c.sendWithRetry(ctx, sub, subject, htmlBody, textBody)
		report.Results = append(report.Results, result)
		switch result.Outcome {
		case OutcomeSent:
			report.SentCount++
		default:
			report.FailedCount++
		}
	}
	return report, nil
}

// drainBounces pulls pending bounce/complaint notifications and
// deactivates the affected subscribers, per spec.md §4.11's
// "drain before send" ordering.
func (c *Controller) drainBounces(ctx context.Context) error {
	notices, err := c.sender.Drain(ctx, BounceNoticeMaxAge)
	if err != nil {
		return err
	}
	for _, n := range notices {
		if n.Kind != email.NoticeBounce && n.Kind != email.NoticeComplaint {
			continue
		}
		if n.Address == "" {
			continue
		}
		if err := c.subscribers.Deactivate(ctx, n.Address); err != nil {
			c.logger.Warn("distribution: failed to deactivate bounced subscriber", "address", n.Address, "error", err)
		} else {
			c.logger.Info("distribution: deactivated subscriber from bounce/complaint", "address", n.Address, "kind", n.Kind)
		}
	}
	return nil
}

// sendWithRetry sends to one subscriber, retrying transient failures
// up to MaxRetries and deactivating the subscriber on a permanent
// failure, per spec.md §7's error policy.
func (c *Controller) sendWithRetry(ctx context.Context, sub subscriber.Subscriber, subject, htmlBody, textBody string) Result {
	link := c.unsubscribeURL(sub)
	personalHTML := strings.ReplaceAll(htmlBody, digest.UnsubscribeURLPlaceholder, link)
	personalText := strings.ReplaceAll(textBody, digest.UnsubscribeURLPlaceholder, link)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Email: sub.Email, Outcome: OutcomeFailed, Err: err}
		}

		_, err := c.sender.Send(ctx, c.account, "", subject, personalHTML, personalText, []string{sub.Email})
		if err == nil {
			return Result{Email: sub.Email, Outcome: OutcomeSent}
		}
		lastErr = err

		if !errors.Is(err, errkind.TransientUpstream) {
			if deactivateErr := c.subscribers.Deactivate(ctx, sub.Email); deactivateErr != nil {
				c.logger.Warn("distribution: failed to deactivate after permanent send failure", "email", sub.Email, "error", deactivateErr)
			}
			return Result{Email: sub.Email, Outcome: OutcomeDeactivated, Err: err}
		}
	}
	return Result{Email: sub.Email, Outcome: OutcomeFailed, Err: lastErr}
}
