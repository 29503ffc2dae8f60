package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/contentdigest/internal/capture"
	"github.com/nugget/contentdigest/internal/classifier"
	"github.com/nugget/contentdigest/internal/config"
	"github.com/nugget/contentdigest/internal/digest"
	"github.com/nugget/contentdigest/internal/distribution"
	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/events"
	"github.com/nugget/contentdigest/internal/fetcher"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/oracle"
	"github.com/nugget/contentdigest/internal/queue"
)

// ShortConcurrency bounds how many tweets the short path classifies
// in-memory at once, per spec.md §4.12's short-path description.
const ShortConcurrency = 4

// LongPollInterval is how often the long path checks its completion
// predicate while the Classification Engine drains the queue.
const LongPollInterval = 2 * time.Second

// Fetcher narrows *fetcher.Client to the one method the Orchestrator
// calls, the same interface-extraction idiom internal/distribution
// uses for Mailer: it lets tests inject a canned Result instead of
// requiring live Twitter API access.
type Fetcher interface {
	FetchAll(ctx context.Context, handles []string) (fetcher.Result, error)
}

// Capturer narrows *capture.Capturer to CaptureAll.
type Capturer interface {
	CaptureAll(ctx context.Context, runID string, tweets []fetcher.Tweet) ([]string, []capture.RunFailure)
}

// Pool narrows *classifier.Pool to Run, the blocking worker-pool loop.
type Pool interface {
	Run(ctx context.Context)
}

// RecordStore narrows *kvstore.Store to the operations the Orchestrator
// needs: persisting the RunManifest and reading back ClassificationRecords.
type RecordStore interface {
	Put(ctx context.Context, table, key string, record any, opts kvstore.PutOptions) (int64, error)
	Query(ctx context.Context, table string, predicate func(key string, record json.RawMessage) bool) ([]kvstore.Item, error)
}

// QueueDepth narrows *queue.Queue to the depth check the long path's
// completion predicate polls.
type QueueDepth interface {
	Depth(ctx context.Context, queueName string) (int, error)
}

// Assembler narrows *digest.Assembler to the two calls the Orchestrator
// makes: Assemble and the HTML render step used before distribution.
type Assembler interface {
	Assemble(ctx context.Context, runID, classifierVersion string, items []digest.Classified) digest.Digest
	RenderHTML(markdown string) (string, error)
}

// Distributor narrows *distribution.Controller to Distribute.
type Distributor interface {
	Distribute(ctx context.Context, d digest.Digest, subject, htmlBody, textBody string) (distribution.Report, error)
}

// Deps bundles every component the Orchestrator drives. All fields are
// required except Bus, which may be nil (events.Bus is nil-safe).
type Deps struct {
	Fetcher      Fetcher
	Capturer     Capturer
	Oracle       *oracle.Oracle
	Pool         Pool
	KV           RecordStore
	Queue        QueueDepth
	QueueName    string
	Assembler    Assembler
	Distribution Distributor
	Bus          *events.Bus
}

// Orchestrator runs one end-to-end pipeline execution: fetch, classify
// (in-memory or queue-backed depending on mode), assemble a digest,
// and distribute it, per spec.md §4.12.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	// pollInterval overrides LongPollInterval; exposed for tests that
	// need the long path's completion predicate to settle quickly,
	// mirroring oracle.Oracle's backoff field.
	pollInterval time.Duration
}

// New constructs an Orchestrator.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, pollInterval: LongPollInterval}
}

// SelectMode resolves ModeAuto against cfg and the number of tweets a
// run expects to process, per spec.md §4.12's mode selection policy:
// auto picks long iff visual capture is enabled and the expected tweet
// count meets or exceeds the configured threshold.
func SelectMode(cfg *config.Config, requested ProcessingMode, expectedTweetCount int) ProcessingMode {
	if requested == ModeShort || requested == ModeLong {
		return requested
	}
	if cfg.VisualCaptureEnabled && expectedTweetCount >= cfg.AutoModeThreshold {
		return ModeLong
	}
	return ModeShort
}

// Run executes one full pipeline run. source is "scheduled" or
// "manual", matching spec.md §6's scheduler trigger payload. requested
// may be ModeAuto, in which case the mode is resolved after the fetch
// stage reports how many tweets were pulled.
func (o *Orchestrator) Run(ctx context.Context, source string, requested ProcessingMode, accounts []string) (RunManifest, error) {
	runID := newRunID()
	manifest := RunManifest{
		RunID:     runID,
		Source:    source,
		Status:    RunCompleted,
		StartedAt: time.Now().UTC(),
	}

	o.publish(events.SourceOrchestrator, events.KindRunStart, map[string]any{
		"run_id": runID, "source": source,
	})

	fetchResult, fetchStage := o.runFetch(ctx, accounts)
	manifest.applyResult(fetchStage)
	if fetchStage.Status == StageOk {
		manifest.Counts.Fetched = len(fetchResult.Tweets)
	}
	if manifest.Status == RunFailed {
		return o.finish(manifest)
	}

	mode := SelectMode(o.cfg, requested, len(fetchResult.Tweets))
	manifest.Mode = mode

	var (
		classified []digest.Classified
		classifyStage StageResult
	)
	if mode == ModeLong {
		classified, classifyStage = o.runLong(ctx, runID, fetchResult.Tweets)
	} else {
		classified, classifyStage = o.runShort(ctx, fetchResult.Tweets)
	}
	manifest.applyResult(classifyStage)
	manifest.Counts.Classified = len(classified)
	if manifest.Status == RunFailed {
		return o.finish(manifest)
	}

	d, digestStage := o.runDigest(ctx, runID, classified)
	manifest.applyResult(digestStage)
	if manifest.Status == RunFailed {
		return o.finish(manifest)
	}

	if len(d.Categories) == 0 {
		manifest.Status = RunNoContent
		return o.finish(manifest)
	}

	distStage, report := o.runDistribution(ctx, d)
	manifest.applyResult(distStage)
	if report != nil {
		manifest.Counts.Recipients = len(report.Results)
		manifest.Counts.Succeeded = report.SentCount
	}
	if manifest.Status == RunFailed {
		return o.finish(manifest)
	}
	if distStage.Status == StageSkipped {
		manifest.Status = RunNoContent
	}

	return o.finish(manifest)
}

func (o *Orchestrator) finish(manifest RunManifest) (RunManifest, error) {
	manifest.CompletedAt = time.Now().UTC()
	o.publish(events.SourceOrchestrator, events.KindRunComplete, map[string]any{
		"run_id": manifest.RunID, "status": string(manifest.Status), "counts": manifest.Counts,
	})
	if err := o.persist(manifest); err != nil {
		o.logger.Error("orchestrator: persist run manifest failed", "run_id", manifest.RunID, "error", err)
	}
	return manifest, nil
}

func (o *Orchestrator) persist(manifest RunManifest) error {
	if o.deps.KV == nil {
		return nil
	}
	_, err := o.deps.KV.Put(context.Background(), Table, manifest.RunID, manifest, kvstore.PutOptions{Condition: kvstore.Unconditional})
	return err
}

func (o *Orchestrator) publish(source, kind string, data map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(events.Event{Timestamp: time.Now().UTC(), Source: source, Kind: kind, Data: data})
}

// runFetch invokes the Fetcher and reduces its outcome to a
// StageResult. A fatal fetcher error (e.g. no accounts configured)
// fails the whole run; per-account failures are logged but never fail
// the stage, per spec.md §4.6's per-account isolation policy.
func (o *Orchestrator) runFetch(ctx context.Context, accounts []string) (fetcher.Result, StageResult) {
	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageFetch)})

	result, err := o.deps.Fetcher.FetchAll(ctx, accounts)
	if err != nil {
		return result, Failed(StageFetch, err)
	}

	for _, f := range result.Failures {
		o.logger.Warn("orchestrator: account fetch failed", "handle", f.Handle, "error", f.Err)
	}

	o.publish(events.SourceFetcher, events.KindFetchComplete, map[string]any{
		"fetched": len(result.Tweets), "failed_accounts": len(result.Failures),
	})
	return result, Ok(StageFetch, result)
}

// runShort classifies every fetched tweet in-memory, bounded to
// ShortConcurrency concurrent Oracle calls, per spec.md §4.12's short
// path. A single tweet's classification failure is recorded and
// skipped rather than failing the run; the short path is a bounded,
// best-effort execution.
func (o *Orchestrator) runShort(ctx context.Context, tweets []fetcher.Tweet) ([]digest.Classified, StageResult) {
	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageClassify)})

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, ShortConcurrency)
		results []digest.Classified
	)

	for _, t := range tweets {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			record, err := classifier.ClassifyText(ctx, o.deps.Oracle, o.cfg.ClassifierVersion, t.ID, t.Text)
			if err != nil {
				o.logger.Warn("orchestrator: short-path classification failed", "tweet_id", t.ID, "error", err)
				return
			}
			mu.Lock()
			results = append(results, digest.Classified{Tweet: t, Record: record})
			mu.Unlock()
		}()
	}
	wg.Wait()

	o.publish(events.SourceClassifier, events.KindClassifyProgress, map[string]any{
		"classified": len(results), "queue_depth": 0,
	})
	return results, Ok(StageClassify, len(results))
}

// runLong writes visual-capture artifacts and enqueues classification
// work, starts the Classification Engine's worker pool, and waits for
// the completion predicate from spec.md §9 Open Question 3: the queue
// is empty and the expected number of records has been written, or the
// configured deadline has elapsed.
func (o *Orchestrator) runLong(ctx context.Context, runID string, tweets []fetcher.Tweet) ([]digest.Classified, StageResult) {
	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageCapture)})

	artifactKeys, failures := o.deps.Capturer.CaptureAll(ctx, runID, tweets)
	for _, f := range failures {
		o.logger.Warn("orchestrator: capture failed", "tweet_id", f.TweetID, "error", f.Err)
	}
	o.publish(events.SourceCapture, events.KindCaptureComplete, map[string]any{
		"captured": len(artifactKeys), "failed": len(failures),
	})

	if len(artifactKeys) == 0 {
		return nil, Ok(StageClassify, 0)
	}

	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageClassify)})

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.deps.Pool.Run(poolCtx)
	}()

	o.waitForCompletion(ctx, cancel, len(artifactKeys))
	wg.Wait()

	classified, err := o.collectClassifications(ctx, tweets)
	if err != nil {
		return nil, Failed(StageClassify, err)
	}

	o.publish(events.SourceClassifier, events.KindClassifyProgress, map[string]any{
		"classified": len(classified), "queue_depth": 0,
	})
	return classified, Ok(StageClassify, len(classified))
}

// waitForCompletion polls the queue depth until it reaches zero and at
// least expected records have been collected, or until
// cfg.MaxProcessingTimeSeconds elapses, then cancels the pool's
// context either way.
func (o *Orchestrator) waitForCompletion(ctx context.Context, cancel context.CancelFunc, expected int) {
	deadline := time.Now().Add(time.Duration(o.cfg.MaxProcessingTimeSeconds) * time.Second)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				o.logger.Warn("orchestrator: long-path deadline exceeded, proceeding with partial results")
				cancel()
				return
			}
			depth, err := o.deps.Queue.Depth(ctx, o.deps.QueueName)
			if err != nil {
				o.logger.Error("orchestrator: queue depth check failed", "error", err)
				continue
			}
			if depth == 0 {
				count, err := o.countClassifications(ctx)
				if err == nil && count >= expected {
					cancel()
					return
				}
			}
		}
	}
}

func (o *Orchestrator) countClassifications(ctx context.Context) (int, error) {
	items, err := o.deps.KV.Query(ctx, classifier.Table, func(string, json.RawMessage) bool { return true })
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// collectClassifications reads every ClassificationRecord persisted by
// the worker pool and pairs each with its originating Tweet.
func (o *Orchestrator) collectClassifications(ctx context.Context, tweets []fetcher.Tweet) ([]digest.Classified, error) {
	byID := make(map[string]fetcher.Tweet, len(tweets))
	for _, t := range tweets {
		byID[t.ID] = t
	}

	items, err := o.deps.KV.Query(ctx, classifier.Table, func(string, json.RawMessage) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("orchestrator: query classifications: %w", err)
	}

	classified := make([]digest.Classified, 0, len(items))
	for _, item := range items {
		var record classifier.ClassificationRecord
		if err := json.Unmarshal(item.Record, &record); err != nil {
			o.logger.Error("orchestrator: malformed classification record", "key", item.Key, "error", err)
			continue
		}
		t, ok := byID[record.TweetID]
		if !ok {
			continue // classification from a tweet outside this run's fetch set
		}
		classified = append(classified, digest.Classified{Tweet: t, Record: record})
	}

	sort.Slice(classified, func(i, j int) bool { return classified[i].Tweet.ID < classified[j].Tweet.ID })
	return classified, nil
}

// runDigest assembles the digest from classified tweets. Assembly has
// no failure mode of its own (per-category summarization failures fall
// back to a placeholder, per spec.md §4.9); it always reports Ok.
func (o *Orchestrator) runDigest(ctx context.Context, runID string, classified []digest.Classified) (digest.Digest, StageResult) {
	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageDigest)})

	d := o.deps.Assembler.Assemble(ctx, runID, o.cfg.ClassifierVersion, classified)

	o.publish(events.SourceDigest, events.KindDigestAssembled, map[string]any{
		"run_id": runID, "categories": len(d.Categories),
	})
	return d, Ok(StageDigest, len(d.Categories))
}

// runDistribution renders and sends the digest, or reports Skipped
// when the digest had no categories, per spec.md §8 property 7.
func (o *Orchestrator) runDistribution(ctx context.Context, d digest.Digest) (StageResult, *distribution.Report) {
	o.publish(events.SourceOrchestrator, events.KindStageStart, map[string]any{"stage": string(StageDistribution)})

	weekEnd := time.Now().UTC()
	weekStart := weekEnd.AddDate(0, 0, -7)
	markdown := digest.RenderMarkdown(d, weekStart, weekEnd)
	textBody := digest.RenderPlainText(markdown)
	htmlBody, err := o.deps.Assembler.RenderHTML(markdown)
	if err != nil {
		return Failed(StageDistribution, fmt.Errorf("%w: %v", errkind.UpstreamContract, err)), nil
	}

	subject := fmt.Sprintf("Weekly Digest: %s – %s", weekStart.Format("Jan 2"), weekEnd.Format("Jan 2, 2006"))

	report, err := o.deps.Distribution.Distribute(ctx, d, subject, htmlBody, textBody)
	if err != nil {
		return Failed(StageDistribution, err), nil
	}
	if report.Skipped {
		return Skipped(StageDistribution, "digest had no categories"), &report
	}

	o.publish(events.SourceDistribution, events.KindDistributionComplete, map[string]any{
		"sent": report.SentCount, "failed": report.FailedCount,
	})
	return Ok(StageDistribution, report), &report
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
