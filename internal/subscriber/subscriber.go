// Package subscriber implements capability C10: the double opt-in
// subscriber lifecycle state machine from spec.md §4.10. Uniqueness of
// the (pending_verification|active) invariant is enforced the same way
// internal/classifier enforces exactly-once classification: a
// conditional if_absent write claims the email before any subscriber
// row is created, so two concurrent Subscribe calls for a brand-new
// email can never both win.
package subscriber

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/kvstore"
)

// TokenTTL is the verification token's hard expiry window.
const TokenTTL = 24 * time.Hour

// SubscribersTable and EmailIndexTable are the two kvstore tables this
// package owns: subscribers keyed by subscriber_id, and a claim table
// keyed by normalized email used only to serialize first-time signup.
const (
	SubscribersTable = "subscribers"
	EmailIndexTable  = "subscriber_emails"
)

// Status is a subscriber's position in the double opt-in state machine.
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusInactive            Status = "inactive"
)

// Subscriber is the persisted record for one email address.
type Subscriber struct {
	SubscriberID       string     `json:"subscriber_id"`
	Email              string     `json:"email"`
	Status             Status     `json:"status"`
	VerificationToken  string     `json:"verification_token,omitempty"`
	TokenExpiry        time.Time  `json:"token_expiry,omitempty"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`

	// UnsubscribeToken is minted once, on activation, and never rotated
	// by Unsubscribe itself: it is the durable identifier every
	// distributed digest's one-click unsubscribe link carries, so the
	// same link keeps working on a second click (Unsubscribe is
	// idempotent) and survives as long as the subscriber stays known.
	UnsubscribeToken string `json:"unsubscribe_token,omitempty"`
}

type emailClaim struct {
	SubscriberID string `json:"subscriber_id"`
}

// ErrAlreadyActive is returned by Subscribe when the email is already
// an active subscriber; callers treat this as success, not a failure.
var ErrAlreadyActive = errors.New("subscriber: already subscribed")

// ErrInvalidOrExpiredToken is returned by Verify/Unsubscribe when the
// token does not resolve to a live, unexpired record.
var ErrInvalidOrExpiredToken = errors.New("subscriber: invalid or expired token")

// ErrNotFound is returned by Export/Purge when no record exists for
// the given email.
var ErrNotFound = errors.New("subscriber: not found")

// Controller owns the subscriber lifecycle state machine.
type Controller struct {
	kv *kvstore.Store
}

// New constructs a Controller over kv.
func New(kv *kvstore.Store) *Controller {
	return &Controller{kv: kv}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscribe validates email and drives the (none|inactive) ->
// pending_verification and pending_verification -> pending_verification
// (reissue) transitions from spec.md §4.10. An already-active email
// returns ErrAlreadyActive rather than mutating anything.
func (c *Controller) Subscribe(ctx context.Context, email string) (Subscriber, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: %w: invalid email %q", errkind.ConfigurationError, email)
	}
	normalized := normalizeEmail(addr.Address)

	var claim emailClaim
	_, err = c.kv.Get(ctx, EmailIndexTable, normalized, &claim)
	if errors.Is(err, kvstore.ErrNotFound) {
		sub, createErr := c.createPending(ctx, normalized)
		if createErr == nil {
			return sub, nil
		}
		if !errors.Is(createErr, kvstore.ErrConditionFailed) {
			return Subscriber{}, createErr
		}
		// Lost the race to claim the email: another writer won.
		// Re-read once and fall through to the existing-subscriber path.
		if _, getErr := c.kv.Get(ctx, EmailIndexTable, normalized, &claim); getErr != nil {
			return Subscriber{}, fmt.Errorf("subscriber: re-read email claim for %s: %w", normalized, getErr)
		}
	} else if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: lookup email claim for %s: %w", normalized, err)
	}

	return c.reissueOrNoop(ctx, claim.SubscriberID)
}

// createPending claims normalized and creates a brand-new pending
// subscriber. The if_absent claim write is the sole serialization point
// for spec.md §8 property 3 (subscriber uniqueness).
func (c *Controller) createPending(ctx context.Context, normalized string) (Subscriber, error) {
	token, err := generateToken()
	if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: generate token: %w", err)
	}

	subscriberID := uuid.NewString()
	if _, err := c.kv.Put(ctx, EmailIndexTable, normalized, emailClaim{SubscriberID: subscriberID}, kvstore.PutOptions{Condition: kvstore.IfAbsent}); err != nil {
		return Subscriber{}, err // may be ErrConditionFailed; caller decides
	}

	sub := Subscriber{
		SubscriberID:      subscriberID,
		Email:             normalized,
		Status:            StatusPendingVerification,
		VerificationToken: token,
		TokenExpiry:       time.Now().UTC().Add(TokenTTL),
		CreatedAt:         time.Now().UTC(),
	}
	// The email claim above already serializes creation, so this write
	// cannot race: only the claim's winner reaches here.
	if _, err := c.kv.Put(ctx, SubscribersTable, subscriberID, sub, kvstore.PutOptions{Condition: kvstore.Unconditional}); err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: create %s: %w", subscriberID, err)
	}
	return sub, nil
}

// reissueOrNoop looks up an existing subscriber by ID and applies the
// active/pending_verification/inactive branches of spec.md §4.10's
// subscribe transition table.
func (c *Controller) reissueOrNoop(ctx context.Context, subscriberID string) (Subscriber, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var sub Subscriber
		version, err := c.kv.Get(ctx, SubscribersTable, subscriberID, &sub)
		if err != nil {
			return Subscriber{}, fmt.Errorf("subscriber: get %s: %w", subscriberID, err)
		}

		switch sub.Status {
		case StatusActive:
			return sub, ErrAlreadyActive

		case StatusPendingVerification, StatusInactive:
			token, err := generateToken()
			if err != nil {
				return Subscriber{}, fmt.Errorf("subscriber: generate token: %w", err)
			}
			updated := sub
			updated.Status = StatusPendingVerification
			updated.VerificationToken = token
			updated.TokenExpiry = time.Now().UTC().Add(TokenTTL)

			_, err = c.kv.Put(ctx, SubscribersTable, subscriberID, updated, kvstore.PutOptions{Condition: kvstore.IfVersion, ExpectedVersion: version})
			if err == nil {
				return updated, nil
			}
			if errors.Is(err, kvstore.ErrConditionFailed) {
				continue // another writer won; re-read and retry once
			}
			return Subscriber{}, fmt.Errorf("subscriber: update %s: %w", subscriberID, err)

		default:
			return Subscriber{}, fmt.Errorf("subscriber: %w: unknown status %q for %s", errkind.DataIntegrity, sub.Status, subscriberID)
		}
	}
	return Subscriber{}, fmt.Errorf("subscriber: %w: update %s after retry", errkind.DataIntegrity, subscriberID)
}

// Verify transitions a pending_verification subscriber to active if
// token is live and unexpired, per spec.md §4.10. An expired or unknown
// token is a no-op returning ErrInvalidOrExpiredToken.
func (c *Controller) Verify(ctx context.Context, token string) (Subscriber, error) {
	sub, version, err := c.findByVerificationToken(ctx, token)
	if err != nil {
		return Subscriber{}, err
	}
	if sub.Status != StatusPendingVerification {
		return Subscriber{}, ErrInvalidOrExpiredToken
	}
	if time.Now().UTC().After(sub.TokenExpiry) {
		return Subscriber{}, ErrInvalidOrExpiredToken
	}

	unsubToken, err := generateToken()
	if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: generate unsubscribe token: %w", err)
	}

	now := time.Now().UTC()
	updated := sub
	updated.Status = StatusActive
	updated.VerificationToken = ""
	updated.TokenExpiry = time.Time{}
	updated.VerifiedAt = &now
	updated.UnsubscribeToken = unsubToken

	if _, err := c.kv.Put(ctx, SubscribersTable, sub.SubscriberID, updated, kvstore.PutOptions{Condition: kvstore.IfVersion, ExpectedVersion: version}); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return Subscriber{}, fmt.Errorf("subscriber: %w: verify race on %s", errkind.DataIntegrity, sub.SubscriberID)
		}
		return Subscriber{}, fmt.Errorf("subscriber: verify %s: %w", sub.SubscriberID, err)
	}
	return updated, nil
}

// Unsubscribe transitions an active (or pending) subscriber to
// inactive. Idempotent: unsubscribing an already-inactive subscriber
// succeeds without changing anything.
func (c *Controller) Unsubscribe(ctx context.Context, token string) (Subscriber, error) {
	sub, version, err := c.findByUnsubscribeToken(ctx, token)
	if err != nil {
		return Subscriber{}, err
	}
	if sub.Status == StatusInactive {
		return sub, nil
	}

	updated := sub
	updated.Status = StatusInactive

	if _, err := c.kv.Put(ctx, SubscribersTable, sub.SubscriberID, updated, kvstore.PutOptions{Condition: kvstore.IfVersion, ExpectedVersion: version}); err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			return Subscriber{}, fmt.Errorf("subscriber: %w: unsubscribe race on %s", errkind.DataIntegrity, sub.SubscriberID)
		}
		return Subscriber{}, fmt.Errorf("subscriber: unsubscribe %s: %w", sub.SubscriberID, err)
	}
	return updated, nil
}

// Deactivate force-transitions email's subscriber straight to inactive
// without a token, for the Distribution Controller to act on a bounce
// or complaint notification. A no-op if the subscriber is already
// inactive or does not exist.
func (c *Controller) Deactivate(ctx context.Context, email string) error {
	normalized := normalizeEmail(email)
	var claim emailClaim
	if _, err := c.kv.Get(ctx, EmailIndexTable, normalized, &claim); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("subscriber: deactivate lookup %s: %w", normalized, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		var sub Subscriber
		version, err := c.kv.Get(ctx, SubscribersTable, claim.SubscriberID, &sub)
		if err != nil {
			return fmt.Errorf("subscriber: deactivate get %s: %w", claim.SubscriberID, err)
		}
		if sub.Status == StatusInactive {
			return nil
		}
		updated := sub
		updated.Status = StatusInactive
		updated.VerificationToken = ""
		updated.TokenExpiry = time.Time{}

		_, err = c.kv.Put(ctx, SubscribersTable, claim.SubscriberID, updated, kvstore.PutOptions{Condition: kvstore.IfVersion, ExpectedVersion: version})
		if err == nil {
			return nil
		}
		if errors.Is(err, kvstore.ErrConditionFailed) {
			continue
		}
		return fmt.Errorf("subscriber: deactivate %s: %w", claim.SubscriberID, err)
	}
	return fmt.Errorf("subscriber: %w: deactivate %s after retry", errkind.DataIntegrity, claim.SubscriberID)
}

// Export returns the subscriber record for email, for data-access
// requests.
func (c *Controller) Export(ctx context.Context, email string) (Subscriber, error) {
	normalized := normalizeEmail(email)
	var claim emailClaim
	if _, err := c.kv.Get(ctx, EmailIndexTable, normalized, &claim); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Subscriber{}, ErrNotFound
		}
		return Subscriber{}, fmt.Errorf("subscriber: export lookup %s: %w", normalized, err)
	}
	var sub Subscriber
	if _, err := c.kv.Get(ctx, SubscribersTable, claim.SubscriberID, &sub); err != nil {
		return Subscriber{}, fmt.Errorf("subscriber: export %s: %w", claim.SubscriberID, err)
	}
	return sub, nil
}

// Purge deletes the subscriber record and its email claim entirely, for
// data-erasure requests. A subsequent Subscribe with the same email is
// treated as a brand-new signup.
func (c *Controller) Purge(ctx context.Context, email string) error {
	normalized := normalizeEmail(email)
	var claim emailClaim
	if _, err := c.kv.Get(ctx, EmailIndexTable, normalized, &claim); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("subscriber: purge lookup %s: %w", normalized, err)
	}
	if err := c.kv.Delete(ctx, SubscribersTable, claim.SubscriberID); err != nil {
		return fmt.Errorf("subscriber: purge %s: %w", claim.SubscriberID, err)
	}
	if err := c.kv.Delete(ctx, EmailIndexTable, normalized); err != nil {
		return fmt.Errorf("subscriber: purge email claim %s: %w", normalized, err)
	}
	return nil
}

// ActiveSubscribers returns every subscriber currently in the active
// status, for the Distribution Controller (C11) to iterate.
func (c *Controller) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	items, err := c.kv.Query(ctx, SubscribersTable, nil)
	if err != nil {
		return nil, fmt.Errorf("subscriber: list active: %w", err)
	}
	var out []Subscriber
	for _, it := range items {
		var sub Subscriber
		if err := json.Unmarshal(it.Record, &sub); err != nil {
			continue
		}
		if sub.Status == StatusActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

// findByVerificationToken scans the subscribers table for a record
// whose signup verification token matches. Tokens are high-entropy
// random values, so a full-table scan (the same tradeoff kvstore.Query
// documents for this pipeline's table sizes) is acceptable; a real
// secondary index would only matter at subscriber counts this pipeline
// never reaches.
func (c *Controller) findByVerificationToken(ctx context.Context, token string) (Subscriber, int64, error) {
	return c.findByTokenField(ctx, token, func(sub Subscriber) string { return sub.VerificationToken })
}

// findByUnsubscribeToken scans the subscribers table for a record
// whose durable unsubscribe token matches. Unlike the verification
// token, the unsubscribe token is minted once on activation and is
// never cleared, so the same link a subscriber was mailed keeps
// resolving even after they have already clicked it.
func (c *Controller) findByUnsubscribeToken(ctx context.Context, token string) (Subscriber, int64, error) {
	return c.findByTokenField(ctx, token, func(sub Subscriber) string { return sub.UnsubscribeToken })
}

func (c *Controller) findByTokenField(ctx context.Context, token string, field func(Subscriber) string) (Subscriber, int64, error) {
	if token == "" {
		return Subscriber{}, 0, ErrInvalidOrExpiredToken
	}
	items, err := c.kv.Query(ctx, SubscribersTable, nil)
	if err != nil {
		return Subscriber{}, 0, fmt.Errorf("subscriber: find by token: %w", err)
	}
	for _, it := range items {
		var sub Subscriber
		if err := json.Unmarshal(it.Record, &sub); err != nil {
			continue
		}
		if field(sub) == token {
			return sub, it.Version, nil
		}
	}
	return Subscriber{}, 0, ErrInvalidOrExpiredToken
}

// generateToken produces a high-entropy, URL-safe verification token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
