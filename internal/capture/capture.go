// Package capture implements capability C7: for each long-path tweet,
// open its public URL in a headless browser, screenshot it, run OCR
// over the screenshot, and persist the resulting EnrichmentArtifact to
// the Object Store. Browser and OCR are capability-boundary interfaces
// (the teacher's llm.Client and the ports.ScreenshotCapture idiom seen
// across the retrieved corpus) so the concrete remote-headless-browser
// implementation can be swapped for a same-process fake in tests.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/fetcher"
	"github.com/nugget/contentdigest/internal/objectstore"
	"github.com/nugget/contentdigest/internal/queue"
)

// Viewport is the fixed capture viewport per spec.md §4.7 step 1.
const (
	ViewportWidth  = 1200
	ViewportHeight = 1600
)

const (
	// DefaultNetworkIdleTimeout bounds how long Browser.Open waits for
	// network-idle before giving up.
	DefaultNetworkIdleTimeout = 15 * time.Second

	// MaxAttempts is the retry ceiling for a single tweet's capture.
	MaxAttempts = 3

	// MinimalFallbackAfter is the consecutive-failure count after which
	// a minimal-configuration (JS/images disabled) retry is attempted.
	MinimalFallbackAfter = 2
)

// Session is a scoped handle to one open browser page. Callers must
// call Close exactly once; Browser.Open guarantees a valid Session or
// an error, never both.
type Session interface {
	// Screenshot captures a full-page PNG of the currently loaded page.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the page and any associated browser resources.
	Close() error
}

// OpenOptions configures a single Browser.Open call.
type OpenOptions struct {
	URL             string
	ViewportWidth   int
	ViewportHeight  int
	NetworkIdle     time.Duration
	MinimalConfig   bool // disable JS/images, used for the post-failure fallback
}

// Browser is the capability boundary for opening a page and waiting
// for it to settle. Implementations may proxy to a remote headless-
// browser microservice (HTTP) or, in tests, run entirely in-process.
type Browser interface {
	Open(ctx context.Context, opts OpenOptions) (Session, error)
}

// OCR is the capability boundary for extracting a textual transcript
// from a screenshot.
type OCR interface {
	Extract(ctx context.Context, png []byte) (string, error)
}

// Artifact mirrors spec.md §6's on-disk EnrichmentArtifact JSON schema.
type Artifact struct {
	TweetID          string          `json:"tweet_id"`
	TweetMetadata    TweetMetadata   `json:"tweet_metadata"`
	ScreenshotKey    string          `json:"screenshot_key,omitempty"`
	FullTextOCR      string          `json:"full_text_ocr,omitempty"`
	CaptureMetadata  CaptureMetadata `json:"capture_metadata"`
}

// TweetMetadata is the denormalized tweet view embedded in an Artifact.
type TweetMetadata struct {
	Author          AuthorMetadata       `json:"author"`
	Text            string               `json:"text"`
	CreatedAt       string               `json:"created_at"`
	Engagement      fetcher.Engagement   `json:"engagement"`
	IsThread        bool                 `json:"is_thread"`
	ThreadPartCount int                  `json:"thread_part_count"`
	ConversationID  string               `json:"conversation_id"`
}

// AuthorMetadata is the denormalized account view embedded in TweetMetadata.
type AuthorMetadata struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// CaptureMetadata records when and by what tool version the capture ran.
type CaptureMetadata struct {
	CapturedAt  time.Time `json:"captured_at"`
	ToolVersion string    `json:"tool_version"`
}

// QueueMessage mirrors spec.md §6's queue message body schema.
type QueueMessage struct {
	ArtifactKey string `json:"artifact_key"`
}

// RunFailure records an irrecoverable per-tweet capture failure for
// the RunManifest, per spec.md §4.7's failure semantics.
type RunFailure struct {
	TweetID string
	Err     error
}

// Capturer orchestrates Browser+OCR across a batch of tweets, writing
// artifacts to the Object Store and enqueuing work for the
// Classification Engine. Exactly one browser session is open at a
// time per Capturer, matching the "one browser instance per worker"
// resource discipline in spec.md §4.7.
type Capturer struct {
	browser     Browser
	ocr         OCR
	store       *objectstore.Store
	queue       *queue.Queue
	queueName   string
	toolVersion string
	logger      *slog.Logger
	baseBackoff time.Duration
}

// New constructs a Capturer.
func New(browser Browser, ocr OCR, store *objectstore.Store, q *queue.Queue, queueName, toolVersion string, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{browser: browser, ocr: ocr, store: store, queue: q, queueName: queueName, toolVersion: toolVersion, logger: logger, baseBackoff: time.Second}
}

// CaptureAll runs the capture pipeline for every tweet in tweets,
// persisting a successful artifact and enqueuing its key, or recording
// a RunFailure for a tweet whose capture could not be recovered after
// retries. A single tweet's failure never aborts the batch.
func (c *Capturer) CaptureAll(ctx context.Context, runID string, tweets []fetcher.Tweet) ([]string, []RunFailure) {
	var artifactKeys []string
	var failures []RunFailure

	for _, t := range tweets {
		key, err := c.captureOne(ctx, runID, t)
		if err != nil {
			failures = append(failures, RunFailure{TweetID: t.ID, Err: err})
			continue
		}
		artifactKeys = append(artifactKeys, key)
	}

	return artifactKeys, failures
}

// captureOne runs the full open/screenshot/OCR/persist/enqueue
// sequence for a single tweet, retrying per spec.md §4.7 step 2.
func (c *Capturer) captureOne(ctx context.Context, runID string, t fetcher.Tweet) (string, error) {
	png, err := c.screenshotWithRetry(ctx, t)
	if err != nil {
		return "", err
	}

	text, err := c.ocr.Extract(ctx, png)
	if err != nil {
		return "", fmt.Errorf("capture: ocr %s: %w: %v", t.ID, errkind.TransientUpstream, err)
	}

	artifact := Artifact{
		TweetID: t.ID,
		TweetMetadata: TweetMetadata{
			Author:          AuthorMetadata{Handle: t.Author.Handle, DisplayName: t.Author.DisplayName},
			Text:            t.Text,
			CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
			Engagement:      t.Engagement,
			IsThread:        t.IsThread,
			ThreadPartCount: t.ThreadPartCount,
			ConversationID:  t.ConversationID,
		},
		ScreenshotKey: screenshotKey(runID, t.ID),
		FullTextOCR:   text,
		CaptureMetadata: CaptureMetadata{
			CapturedAt:  time.Now().UTC(),
			ToolVersion: c.toolVersion,
		},
	}

	if err := c.store.Put(ctx, artifact.ScreenshotKey, png, "image/png"); err != nil {
		return "", fmt.Errorf("capture: persist screenshot %s: %w", t.ID, err)
	}

	artifactKey := artifactKeyFor(runID, t.ID)
	data, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("capture: marshal artifact %s: %w", t.ID, err)
	}
	if err := c.store.Put(ctx, artifactKey, data, "application/json"); err != nil {
		return "", fmt.Errorf("capture: persist artifact %s: %w", t.ID, err)
	}

	msgBody, err := json.Marshal(QueueMessage{ArtifactKey: artifactKey})
	if err != nil {
		return "", fmt.Errorf("capture: marshal queue message %s: %w", t.ID, err)
	}
	if err := c.queue.Send(ctx, c.queueName, string(msgBody), artifactKey); err != nil {
		return "", fmt.Errorf("capture: enqueue %s: %w", t.ID, err)
	}

	return artifactKey, nil
}

// screenshotWithRetry implements spec.md §4.7 step 2's retry and
// minimal-config-fallback policy.
func (c *Capturer) screenshotWithRetry(ctx context.Context, t fetcher.Tweet) ([]byte, error) {
	var lastErr error
	consecutiveFailures := 0

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		opts := OpenOptions{
			URL:            t.URL(),
			ViewportWidth:  ViewportWidth,
			ViewportHeight: ViewportHeight,
			NetworkIdle:    DefaultNetworkIdleTimeout,
			MinimalConfig:  consecutiveFailures >= MinimalFallbackAfter,
		}

		png, err := c.openAndShoot(ctx, opts)
		if err == nil {
			return png, nil
		}

		lastErr = err
		consecutiveFailures++
		c.logger.Warn("capture: attempt failed", "tweet_id", t.ID, "attempt", attempt, "minimal_config", opts.MinimalConfig, "error", err)

		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
	}

	return nil, fmt.Errorf("capture: %s: %w: exhausted %d attempts: %v", t.ID, errkind.TransientUpstream, MaxAttempts, lastErr)
}

func (c *Capturer) openAndShoot(ctx context.Context, opts OpenOptions) ([]byte, error) {
	session, err := c.browser.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return session.Screenshot(ctx)
}

func (c *Capturer) backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * c.baseBackoff
}

func artifactKeyFor(runID, tweetID string) string {
	return fmt.Sprintf("runs/%s/artifacts/%s.json", runID, tweetID)
}

func screenshotKey(runID, tweetID string) string {
	return fmt.Sprintf("runs/%s/screenshots/%s.png", runID, tweetID)
}
