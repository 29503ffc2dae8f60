package email

import (
	"context"
	"testing"
)

func TestClassifyNotice(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want NoticeKind
	}{
		{
			name: "mailer-daemon bounce",
			env:  Envelope{From: "Mail Delivery Subsystem <mailer-daemon@example.com>", Subject: "Undeliverable: Weekly Digest"},
			want: NoticeBounce,
		},
		{
			name: "postmaster bounce",
			env:  Envelope{From: "postmaster@example.com", Subject: "Delivery Status Notification (Failure)"},
			want: NoticeBounce,
		},
		{
			name: "returned mail",
			env:  Envelope{From: "mx.example.com", Subject: "Returned mail: see transcript for details"},
			want: NoticeBounce,
		},
		{
			name: "abuse complaint",
			env:  Envelope{From: "abuse@example.com", Subject: "Spam complaint"},
			want: NoticeComplaint,
		},
		{
			name: "feedback loop report",
			env:  Envelope{From: "feedback@provider.example", Subject: "FBL: Feedback Loop Report"},
			want: NoticeComplaint,
		},
		{
			name: "unrelated mail",
			env:  Envelope{From: "reader@example.com", Subject: "Loved this week's digest"},
			want: NoticeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyNotice(tt.env); got != tt.want {
				t.Errorf("classifyNotice(%+v) = %q, want %q", tt.env, got, tt.want)
			}
		})
	}
}

func TestDSNFinalRecipient_ExtractsFromDeliveryStatusPart(t *testing.T) {
	raw := "From: mailer-daemon@example.com\r\n" +
		"To: digest@example.com\r\n" +
		"Subject: Undeliverable: Weekly Digest\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUNDARY\"\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Delivery to the following recipient failed permanently.\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: message/delivery-status\r\n" +
		"\r\n" +
		"Reporting-MTA: dns; mx.example.com\r\n" +
		"\r\n" +
		"Final-Recipient: rfc822; Subscriber@Example.com\r\n" +
		"Action: failed\r\n" +
		"Status: 5.1.1\r\n" +
		"\r\n" +
		"--BOUNDARY--\r\n"

	addr, ok := dsnFinalRecipient([]byte(raw))
	if !ok {
		t.Fatalf("dsnFinalRecipient: not found")
	}
	if addr != "subscriber@example.com" {
		t.Errorf("addr = %q, want %q", addr, "subscriber@example.com")
	}
}

func TestDSNFinalRecipient_NoDeliveryStatusPartReturnsFalse(t *testing.T) {
	raw := "From: reader@example.com\r\n" +
		"To: digest@example.com\r\n" +
		"Subject: Loved this week's digest\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Great issue!\r\n"

	if _, ok := dsnFinalRecipient([]byte(raw)); ok {
		t.Error("dsnFinalRecipient: expected no match, got one")
	}
}

// memHighWaterMark is an in-memory HighWaterMark for tests.
type memHighWaterMark struct {
	marks map[string]uint32
}

func newMemHighWaterMark() *memHighWaterMark {
	return &memHighWaterMark{marks: make(map[string]uint32)}
}

func (m *memHighWaterMark) Get(ctx context.Context, account string) (uint32, error) {
	return m.marks[account], nil
}

func (m *memHighWaterMark) Set(ctx context.Context, account string, uid uint32) error {
	m.marks[account] = uid
	return nil
}

func TestNewWatcher_DefaultsFolderToInbox(t *testing.T) {
	marks := newMemHighWaterMark()
	w := NewWatcher("ops", IMAPConfig{Host: "imap.example.com", Username: "ops"}, "", marks, nil)
	if w.folder != "INBOX" {
		t.Errorf("folder = %q, want INBOX", w.folder)
	}
}

func TestHighWaterMark_RoundTrip(t *testing.T) {
	marks := newMemHighWaterMark()
	ctx := context.Background()

	got, err := marks.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 0 {
		t.Errorf("initial mark = %d, want 0", got)
	}

	if err := marks.Set(ctx, "ops", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err = marks.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if got != 42 {
		t.Errorf("mark after Set = %d, want 42", got)
	}
}
