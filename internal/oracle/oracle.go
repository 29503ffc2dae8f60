// Package oracle wraps an internal/llm.Client with the capability
// contract the digest pipeline actually needs: a single stateless
// Generate call, retried with exponential backoff and jitter, that
// classifies the failure into the errkind taxonomy so callers (the
// Classification Engine and Digest Assembler) can apply the §7 policy
// without re-implementing retry logic themselves.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/llm"
)

// MaxAttempts bounds retries for transient failures per spec.md §4.2.
const MaxAttempts = 3

// Options configures a single Generate call.
type Options struct {
	// Temperature is the sampling temperature a caller asks for: 0 for
	// classification, 0.3-0.5 for category summarization. Generate does
	// not pass it on, since llm.Client.Chat takes no sampling parameter;
	// the provider's default temperature applies.
	Temperature float64

	// MaxOutputTokens is the reply-length cap a caller asks for. Generate
	// does not pass it on either; the provider's default limit applies.
	MaxOutputTokens int

	// Model overrides the configured default model for this call.
	Model string
}

// Oracle is the stateless classify/summarize capability boundary.
// It is safe for concurrent use by multiple classifier workers.
type Oracle struct {
	client       llm.Client
	defaultModel string
	logger       *slog.Logger

	// backoff is the base duration used to compute retry delays;
	// exposed for tests that need short, deterministic backoffs.
	backoff time.Duration
}

// New creates an Oracle backed by the given LLM client.
func New(client llm.Client, defaultModel string, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		client:       client,
		defaultModel: defaultModel,
		logger:       logger,
		backoff:      200 * time.Millisecond,
	}
}

// Generate issues a single prompt and returns the reply text, retrying
// transient upstream failures with exponential backoff and full
// jitter. Permanent failures and context cancellation are surfaced
// immediately without retry.
func (o *Oracle) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = o.defaultModel
	}

	messages := []llm.Message{{Role: "user", Content: prompt}}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		resp, err := o.client.Chat(ctx, model, messages, nil)
		if err == nil {
			return resp.Message.Content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", fmt.Errorf("oracle generate: %w", ctx.Err())
		}
		if !isTransient(err) {
			return "", fmt.Errorf("oracle generate: %w: %v", errkind.PermanentUpstream, err)
		}
		if attempt == MaxAttempts {
			break
		}

		delay := o.jitteredBackoff(attempt)
		o.logger.Warn("oracle generate transient failure, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("oracle generate: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return "", fmt.Errorf("oracle generate: %w after %d attempts: %v", errkind.PermanentUpstream, MaxAttempts, lastErr)
}

// jitteredBackoff returns an exponential backoff delay with full
// jitter for the given attempt number (1-indexed).
func (o *Oracle) jitteredBackoff(attempt int) time.Duration {
	max := o.backoff * time.Duration(1<<uint(attempt-1))
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// transientMarkers are substrings of provider errors that indicate a
// retryable condition (rate limiting, timeouts, transient 5xx). The
// teacher's provider clients (anthropic.go, ollama.go) do not expose
// typed error values, so classification here is string-based — the
// same approach used by the teacher's retry-free call sites, extended
// with a minimal marker set.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"timeout",
	"deadline exceeded",
	"connection reset",
	"temporarily unavailable",
	"503",
	"502",
	"overloaded",
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
