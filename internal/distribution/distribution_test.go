package distribution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/contentdigest/internal/digest"
	"github.com/nugget/contentdigest/internal/email"
	"github.com/nugget/contentdigest/internal/emailsender"
	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/subscriber"
)

type fakeMailer struct {
	sendErrs  map[string]error // keyed by recipient
	failUntil map[string]int   // recipient -> number of failures before success
	sent      []string
	sendCalls map[string]int
	notices   []emailsender.Notification
	htmlSent  map[string]string // recipient -> htmlBody received
	textSent  map[string]string // recipient -> textBody received
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		sendErrs:  make(map[string]error),
		failUntil: make(map[string]int),
		sendCalls: make(map[string]int),
		htmlSent:  make(map[string]string),
		textSent:  make(map[string]string),
	}
}

func (f *fakeMailer) Send(ctx context.Context, accountName, from, subject, htmlBody, textBody string, to []string) (emailsender.SendResult, error) {
	recipient := to[0]
	f.sendCalls[recipient]++
	f.htmlSent[recipient] = htmlBody
	f.textSent[recipient] = textBody

	if n := f.failUntil[recipient]; n > 0 && f.sendCalls[recipient] <= n {
		return emailsender.SendResult{}, fmt.Errorf("emailsender: %w: temporary glitch", errkind.TransientUpstream)
	}
	if err, ok := f.sendErrs[recipient]; ok {
		return emailsender.SendResult{}, err
	}

	f.sent = append(f.sent, recipient)
	return emailsender.SendResult{Status: emailsender.StatusQueued}, nil
}

func (f *fakeMailer) Drain(ctx context.Context, maxAge time.Duration) ([]emailsender.Notification, error) {
	return f.notices, nil
}

func newTestSubscribers(t *testing.T) *subscriber.Controller {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "subs.db"), kvstore.DriverModernc)
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return subscriber.New(kv)
}

func activate(t *testing.T, subs *subscriber.Controller, email string) {
	t.Helper()
	sub, err := subs.Subscribe(context.Background(), email)
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", email, err)
	}
	if _, err := subs.Verify(context.Background(), sub.VerificationToken); err != nil {
		t.Fatalf("Verify(%s): %v", email, err)
	}
}

func nonEmptyDigest() digest.Digest {
	return digest.Digest{Categories: []digest.Category{{L1: "Open Source", Summary: "summary"}}}
}

func TestDistribute_SkipsWhenDigestHasNoCategories(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "alice@example.com")
	mailer := newFakeMailer()
	c := New(mailer, subs, Config{Account: "primary"}, nil)

	report, err := c.Distribute(context.Background(), digest.Digest{}, "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if !report.Skipped {
		t.Error("expected Skipped = true")
	}
	if len(mailer.sent) != 0 {
		t.Error("expected no sends for empty digest")
	}
}

func TestDistribute_SendsToActiveSubscribersInSortedOrder(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "bob@example.com")
	activate(t, subs, "alice@example.com")
	mailer := newFakeMailer()
	c := New(mailer, subs, Config{Account: "primary", RatePerSecond: 1000, Burst: 1000}, nil)

	report, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if report.SentCount != 2 {
		t.Fatalf("SentCount = %d, want 2", report.SentCount)
	}
	if len(mailer.sent) != 2 || mailer.sent[0] != "alice@example.com" || mailer.sent[1] != "bob@example.com" {
		t.Errorf("sent order = %v", mailer.sent)
	}
}

func TestDistribute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "alice@example.com")
	mailer := newFakeMailer()
	mailer.failUntil["alice@example.com"] = 1
	c := New(mailer, subs, Config{Account: "primary", RatePerSecond: 1000, Burst: 1000}, nil)

	report, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if report.SentCount != 1 || report.FailedCount != 0 {
		t.Fatalf("report = %+v", report)
	}
	if mailer.sendCalls["alice@example.com"] != 2 {
		t.Errorf("sendCalls = %d, want 2 (one retry)", mailer.sendCalls["alice@example.com"])
	}
}

func TestDistribute_PermanentFailureDeactivatesSubscriber(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "alice@example.com")
	mailer := newFakeMailer()
	mailer.sendErrs["alice@example.com"] = fmt.Errorf("emailsender: %w: invalid recipient", errkind.PermanentUpstream)
	c := New(mailer, subs, Config{Account: "primary", RatePerSecond: 1000, Burst: 1000}, nil)

	report, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if report.SentCount != 0 || report.FailedCount != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[0].Outcome != OutcomeDeactivated {
		t.Errorf("Outcome = %q, want %q", report.Results[0].Outcome, OutcomeDeactivated)
	}

	active, err := subs.ActiveSubscribers(context.Background())
	if err != nil {
		t.Fatalf("ActiveSubscribers: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected subscriber deactivated, active = %+v", active)
	}
}

func TestDistribute_ExhaustedRetriesAreReportedAsFailed(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "alice@example.com")
	mailer := newFakeMailer()
	mailer.failUntil["alice@example.com"] = MaxRetries + 5
	c := New(mailer, subs, Config{Account: "primary", RatePerSecond: 1000, Burst: 1000}, nil)

	report, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if report.SentCount != 0 || report.FailedCount != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[0].Outcome != OutcomeFailed {
		t.Errorf("Outcome = %q, want %q", report.Results[0].Outcome, OutcomeFailed)
	}
	if !errors.Is(report.Results[0].Err, errkind.TransientUpstream) {
		t.Errorf("Err = %v, want TransientUpstream", report.Results[0].Err)
	}
}

func TestDistribute_DrainsBouncesAndDeactivatesBeforeSending(t *testing.T) {
	subs := newTestSubscribers(t)
	activate(t, subs, "alice@example.com")
	activate(t, subs, "bouncer@example.com")
	mailer := newFakeMailer()
	mailer.notices = []emailsender.Notification{
		{Account: "primary", Kind: email.NoticeBounce, Address: "bouncer@example.com", ObservedAt: time.Now()},
	}
	c := New(mailer, subs, Config{Account: "primary", RatePerSecond: 1000, Burst: 1000}, nil)

	report, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", "<html>", "text")
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if report.SentCount != 1 {
		t.Fatalf("SentCount = %d, want 1", report.SentCount)
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != "alice@example.com" {
		t.Errorf("sent = %v, want only alice", mailer.sent)
	}
}

func TestDistribute_SubstitutesPerRecipientUnsubscribeLink(t *testing.T) {
	subs := newTestSubscribers(t)
	aliceSub, err := subs.Subscribe(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	alice, err := subs.Verify(context.Background(), aliceSub.VerificationToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	bobSub, err := subs.Subscribe(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bob, err := subs.Verify(context.Background(), bobSub.VerificationToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	mailer := newFakeMailer()
	c := New(mailer, subs, Config{
		Account:            "primary",
		RatePerSecond:      1000,
		Burst:              1000,
		UnsubscribeBaseURL: "https://example.com/unsubscribe",
	}, nil)

	body := "body " + digest.UnsubscribeURLPlaceholder + " end"
	if _, err := c.Distribute(context.Background(), nonEmptyDigest(), "subj", body, body); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	aliceLink := "https://example.com/unsubscribe?token=" + alice.UnsubscribeToken
	bobLink := "https://example.com/unsubscribe?token=" + bob.UnsubscribeToken

	if got := mailer.htmlSent["alice@example.com"]; got != "body "+aliceLink+" end" {
		t.Errorf("alice html = %q, want link %q substituted", got, aliceLink)
	}
	if got := mailer.textSent["bob@example.com"]; got != "body "+bobLink+" end" {
		t.Errorf("bob text = %q, want link %q substituted", got, bobLink)
	}
	if aliceLink == bobLink {
		t.Error("expected distinct per-recipient unsubscribe links")
	}

	if _, err := subs.Unsubscribe(context.Background(), alice.UnsubscribeToken); err != nil {
		t.Fatalf("Unsubscribe via minted token: %v", err)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	subs := newTestSubscribers(t)
	c := New(newFakeMailer(), subs, Config{}, nil)
	if c.limiter == nil {
		t.Fatal("expected limiter to be initialized")
	}
	if c.logger == nil {
		t.Error("expected default logger")
	}
}
