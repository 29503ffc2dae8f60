// Package classifier implements capability C8: a worker pool that
// drains the capture queue, runs the two-call L1-then-L2 taxonomy
// protocol against the Oracle for each enrichment artifact, and
// records the result with a conditional KV write so duplicate
// deliveries never double-classify a tweet. The pool shape (N workers
// pulling from one queue.Queue) follows the bounded-concurrency
// idiom already used by internal/fetcher's per-account fan-out.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/contentdigest/internal/capture"
	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/objectstore"
	"github.com/nugget/contentdigest/internal/oracle"
	"github.com/nugget/contentdigest/internal/queue"
	"github.com/nugget/contentdigest/internal/taxonomy"
)

// DefaultWorkers is the default pool size from spec.md §4.8.
const DefaultWorkers = 10

// DefaultBatchSize is the default M from spec.md §4.8 step 1.
const DefaultBatchSize = 32

// Table is the kvstore table ClassificationRecords are written to.
const Table = "classifications"

// ClassificationRecord mirrors spec.md §3's ClassificationRecord entity.
type ClassificationRecord struct {
	TweetID          string    `json:"tweet_id"`
	ClassifierVersion string   `json:"classifier_version"`
	L1               string    `json:"l1"`
	L2               []string  `json:"l2"`
	L1Confidence     float64   `json:"l1_confidence"`
	L2Confidence     float64   `json:"l2_confidence"`
	ProcessedAt      time.Time `json:"processed_at"`
}

func recordKey(tweetID, version string) string { return tweetID + "/" + version }

// Config configures a Pool.
type Config struct {
	Workers            int
	BatchSize          int
	VisibilityTimeout  time.Duration
	ClassifierVersion  string
	QueueName          string
	NackBackoff        time.Duration
}

// Pool is the Classification Engine's worker pool.
type Pool struct {
	cfg    Config
	queue  *queue.Queue
	store  *objectstore.Store
	kv     *kvstore.Store
	oracle *oracle.Oracle
	logger *slog.Logger
}

// New constructs a Pool, applying spec-mandated defaults.
func New(cfg Config, q *queue.Queue, store *objectstore.Store, kv *kvstore.Store, orc *oracle.Oracle, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClassifierVersion == "" {
		cfg.ClassifierVersion = "v1-seq-llm"
	}
	if cfg.NackBackoff <= 0 {
		cfg.NackBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, queue: q, store: store, kv: kv, oracle: orc, logger: logger}
}

// Run starts cfg.Workers goroutines that drain cfg.QueueName until ctx
// is canceled. An empty queue does not end a worker: it waits 250ms
// and polls again (the caller's completion-predicate loop, per
// spec.md §5, decides when to cancel ctx — Run itself runs until told
// to stop).
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.queue.Receive(ctx, p.cfg.QueueName, p.cfg.BatchSize, p.cfg.VisibilityTimeout)
		if err != nil {
			p.logger.Error("classifier: receive failed", "worker", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		for _, msg := range msgs {
			p.processMessage(ctx, msg)
		}
	}
}

func (p *Pool) processMessage(ctx context.Context, msg queue.Message) {
	var body capture.QueueMessage
	if err := json.Unmarshal([]byte(msg.Body), &body); err != nil {
		p.logger.Error("classifier: malformed queue message, leaving for dead-letter", "message_id", msg.ID, "error", err)
		return
	}

	err := p.classifyArtifact(ctx, body.ArtifactKey)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, msg.ID); ackErr != nil {
			p.logger.Error("classifier: ack failed", "message_id", msg.ID, "error", ackErr)
		}
	case errors.Is(err, errkind.TransientUpstream):
		p.logger.Warn("classifier: transient failure, nacking", "message_id", msg.ID, "error", err)
		if nackErr := p.queue.Nack(ctx, msg.ID, p.cfg.NackBackoff); nackErr != nil {
			p.logger.Error("classifier: nack failed", "message_id", msg.ID, "error", nackErr)
		}
	default:
		// PermanentUpstream, malformed response, or any other parse
		// failure: leave unacked so delivery_count advances toward
		// max_receives and the broker eventually dead-letters it.
		p.logger.Error("classifier: permanent failure", "message_id", msg.ID, "artifact_key", body.ArtifactKey, "error", err)
	}
}

// classifyArtifact fetches the artifact, runs the two-call protocol,
// and writes the resulting ClassificationRecord with an if_absent
// conditional put so a redelivered message never overwrites a record
// another worker already produced.
func (p *Pool) classifyArtifact(ctx context.Context, artifactKey string) error {
	raw, err := p.store.Get(ctx, artifactKey)
	if err != nil {
		return fmt.Errorf("classifier: %w: fetch artifact %s: %v", errkind.TransientUpstream, artifactKey, err)
	}
	var artifact capture.Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return fmt.Errorf("classifier: %w: decode artifact %s: %v", errkind.DataIntegrity, artifactKey, err)
	}

	text := artifact.TweetMetadata.Text
	if artifact.FullTextOCR != "" {
		text = artifact.FullTextOCR
	}

	record, err := p.classifyText(ctx, artifact.TweetID, text)
	if err != nil {
		return err
	}

	key := recordKey(artifact.TweetID, p.cfg.ClassifierVersion)
	_, err = p.kv.Put(ctx, Table, key, record, kvstore.PutOptions{Condition: kvstore.IfAbsent})
	if err != nil {
		if errors.Is(err, kvstore.ErrConditionFailed) {
			// Another worker already classified this tweet/version.
			return nil
		}
		return fmt.Errorf("classifier: %w: write record %s: %v", errkind.TransientUpstream, key, err)
	}
	return nil
}

// classifyText performs the two-call L1-then-L2 protocol for a single
// tweet's text, per spec.md §4.8 step 3.
func (p *Pool) classifyText(ctx context.Context, tweetID, text string) (ClassificationRecord, error) {
	return ClassifyText(ctx, p.oracle, p.cfg.ClassifierVersion, tweetID, text)
}

// ClassifyText runs the two-call L1-then-L2 taxonomy protocol against
// orc for one piece of text and returns the resulting
// ClassificationRecord. It is the same logic a Pool worker runs per
// queued artifact, exported so the Orchestrator's short (in-memory)
// path can classify fetched tweets directly without routing them
// through the queue and Object Store.
func ClassifyText(ctx context.Context, orc *oracle.Oracle, classifierVersion, tweetID, text string) (ClassificationRecord, error) {
	record := ClassificationRecord{
		TweetID:           tweetID,
		ClassifierVersion: classifierVersion,
		ProcessedAt:       time.Now().UTC(),
	}

	l1Prompt := taxonomy.BuildL1Prompt(text)
	l1Reply, err := orc.Generate(ctx, l1Prompt, oracle.Options{Temperature: 0.0})
	if err != nil {
		return ClassificationRecord{}, fmt.Errorf("classifier: L1 call for %s: %w", tweetID, err)
	}
	l1Label, l1Confidence, err := taxonomy.ParseL1(l1Reply)
	if err != nil {
		return ClassificationRecord{}, fmt.Errorf("classifier: %w: parse L1 for %s: %v", errkind.UpstreamContract, tweetID, err)
	}
	record.L1 = l1Label
	record.L1Confidence = l1Confidence

	if l1Label == taxonomy.Uncertain {
		record.L2 = nil
		record.L2Confidence = 0
		return record, nil
	}

	l2Prompt := taxonomy.BuildL2Prompt(text, l1Label)
	l2Reply, err := orc.Generate(ctx, l2Prompt, oracle.Options{Temperature: 0.0})
	if err != nil {
		return ClassificationRecord{}, fmt.Errorf("classifier: L2 call for %s: %w", tweetID, err)
	}
	l2Labels, l2Confidence, err := taxonomy.ParseL2(l2Reply, l1Label)
	if err != nil {
		return ClassificationRecord{}, fmt.Errorf("classifier: %w: parse L2 for %s: %v", errkind.UpstreamContract, tweetID, err)
	}
	record.L2 = l2Labels
	record.L2Confidence = l2Confidence

	return record, nil
}
