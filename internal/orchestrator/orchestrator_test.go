package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/contentdigest/internal/capture"
	"github.com/nugget/contentdigest/internal/config"
	"github.com/nugget/contentdigest/internal/digest"
	"github.com/nugget/contentdigest/internal/distribution"
	"github.com/nugget/contentdigest/internal/errkind"
	"github.com/nugget/contentdigest/internal/fetcher"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/llm"
	"github.com/nugget/contentdigest/internal/oracle"
)

// fakeFetcher returns a scripted Result or error, standing in for a
// live Twitter API round trip.
type fakeFetcher struct {
	result fetcher.Result
	err    error
}

func (f *fakeFetcher) FetchAll(ctx context.Context, handles []string) (fetcher.Result, error) {
	return f.result, f.err
}

// fakeLLMClient is a scripted llm.Client, mirroring internal/oracle's
// and internal/classifier's own test fakes so the short path can run
// the real two-call taxonomy protocol deterministically.
type fakeLLMClient struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeLLMClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.replies) {
		return nil, errors.New("fakeLLMClient: no more scripted replies")
	}
	reply := f.replies[f.calls]
	f.calls++
	return &llm.ChatResponse{Message: llm.Message{Content: reply}}, nil
}

func (f *fakeLLMClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeLLMClient) Ping(ctx context.Context) error { return nil }

// fakePool never actually drains anything; it blocks until its context
// is canceled, mirroring classifier.Pool.Run's real contract.
type fakePool struct{}

func (fakePool) Run(ctx context.Context) { <-ctx.Done() }

// fakeCapturer returns scripted artifact keys without touching a real
// browser or OCR engine.
type fakeCapturer struct {
	keys     []string
	failures []capture.RunFailure
}

func (f *fakeCapturer) CaptureAll(ctx context.Context, runID string, tweets []fetcher.Tweet) ([]string, []capture.RunFailure) {
	return f.keys, f.failures
}

// fakeQueueDepth reports a scripted depth sequence, one value per call,
// holding the last value once exhausted.
type fakeQueueDepth struct {
	mu     sync.Mutex
	depths []int
	calls  int
}

func (f *fakeQueueDepth) Depth(ctx context.Context, queueName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.depths) {
		i = len(f.depths) - 1
	}
	f.calls++
	return f.depths[i], nil
}

// fakeRecordStore is an in-memory stand-in for kvstore.Store, just
// enough to exercise persistence and classification-record readback.
type fakeRecordStore struct {
	mu      sync.Mutex
	tables  map[string]map[string]json.RawMessage
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{tables: make(map[string]map[string]json.RawMessage)}
}

func (f *fakeRecordStore) Put(ctx context.Context, table, key string, record any, opts kvstore.PutOptions) (int64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]json.RawMessage)
	}
	f.tables[table][key] = data
	return 1, nil
}

func (f *fakeRecordStore) Query(ctx context.Context, table string, predicate func(key string, record json.RawMessage) bool) ([]kvstore.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []kvstore.Item
	for k, v := range f.tables[table] {
		if predicate(k, v) {
			items = append(items, kvstore.Item{Key: k, Record: v, Version: 1})
		}
	}
	return items, nil
}

func (f *fakeRecordStore) seedClassification(tweetID string, record map[string]any) {
	data, _ := json.Marshal(record)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables["classifications"] == nil {
		f.tables["classifications"] = make(map[string]json.RawMessage)
	}
	f.tables["classifications"][tweetID] = data
}

// fakeAssembler and fakeDistributor let distribution-path tests control
// exactly what reaches the last two stages without real Oracle calls
// or SMTP traffic.
type fakeAssembler struct {
	digest  digest.Digest
	htmlErr error
}

func (f *fakeAssembler) Assemble(ctx context.Context, runID, classifierVersion string, items []digest.Classified) digest.Digest {
	return f.digest
}

func (f *fakeAssembler) RenderHTML(markdown string) (string, error) {
	if f.htmlErr != nil {
		return "", f.htmlErr
	}
	return "<html></html>", nil
}

type fakeDistributor struct {
	report distribution.Report
	err    error
}

func (f *fakeDistributor) Distribute(ctx context.Context, d digest.Digest, subject, htmlBody, textBody string) (distribution.Report, error) {
	return f.report, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		ClassifierVersion:        "v1-seq-llm",
		MaxProcessingTimeSeconds: 900,
		AutoModeThreshold:        50,
	}
}

func sampleTweet(id string) fetcher.Tweet {
	return fetcher.Tweet{
		ID:     id,
		Author: fetcher.Account{Handle: "alice"},
		Text:   "a new model architecture paper dropped",
	}
}

func nonEmptyDigest() digest.Digest {
	return digest.Digest{Categories: []digest.Category{{L1: "Breakthrough Research", Summary: "s"}}}
}

func TestSelectMode_RequestedModeIsHonoredOverAuto(t *testing.T) {
	cfg := testConfig()
	cfg.VisualCaptureEnabled = true
	cfg.AutoModeThreshold = 5

	if got := SelectMode(cfg, ModeShort, 100); got != ModeShort {
		t.Errorf("SelectMode = %q, want short (explicit request wins)", got)
	}
}

func TestSelectMode_AutoPicksLongWhenCaptureEnabledAndOverThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.VisualCaptureEnabled = true
	cfg.AutoModeThreshold = 10

	if got := SelectMode(cfg, ModeAuto, 25); got != ModeLong {
		t.Errorf("SelectMode = %q, want long", got)
	}
}

func TestSelectMode_AutoPicksShortWhenCaptureDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.VisualCaptureEnabled = false
	cfg.AutoModeThreshold = 1

	if got := SelectMode(cfg, ModeAuto, 1000); got != ModeShort {
		t.Errorf("SelectMode = %q, want short", got)
	}
}

func TestSelectMode_AutoPicksShortWhenUnderThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.VisualCaptureEnabled = true
	cfg.AutoModeThreshold = 50

	if got := SelectMode(cfg, ModeAuto, 3); got != ModeShort {
		t.Errorf("SelectMode = %q, want short", got)
	}
}

func TestRun_FatalFetchFailureMarksRunFailed(t *testing.T) {
	cfg := testConfig()
	kv := newFakeRecordStore()
	orc := New(cfg, Deps{
		Fetcher: &fakeFetcher{err: errors.New("fetcher: configuration error")},
		KV:      kv,
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if manifest.Status != RunFailed {
		t.Errorf("Status = %q, want failed", manifest.Status)
	}
	if manifest.FailingStage != StageFetch {
		t.Errorf("FailingStage = %q, want fetch", manifest.FailingStage)
	}
}

func TestRun_ShortPathClassifiesAndDistributes(t *testing.T) {
	cfg := testConfig()
	client := &fakeLLMClient{replies: []string{
		`{"level1": "Breakthrough Research", "confidence": 0.9}`,
		`{"level2": ["Architecture Innovations"], "confidence": 0.8}`,
	}}
	orc := New(cfg, Deps{
		Fetcher: &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Oracle:  oracle.New(client, "test-model", nil),
		KV:      newFakeRecordStore(),
		Assembler: &fakeAssembler{digest: nonEmptyDigest()},
		Distribution: &fakeDistributor{report: distribution.Report{SentCount: 3, Results: []distribution.Result{{}, {}, {}}}},
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", manifest.Status)
	}
	if manifest.Counts.Fetched != 1 {
		t.Errorf("Counts.Fetched = %d, want 1", manifest.Counts.Fetched)
	}
	if manifest.Counts.Classified != 1 {
		t.Errorf("Counts.Classified = %d, want 1", manifest.Counts.Classified)
	}
	if manifest.Counts.Succeeded != 3 {
		t.Errorf("Counts.Succeeded = %d, want 3", manifest.Counts.Succeeded)
	}
	if manifest.Mode != ModeShort {
		t.Errorf("Mode = %q, want short", manifest.Mode)
	}
}

func TestRun_NoDigestCategoriesSkipsDistributionAsNoContent(t *testing.T) {
	cfg := testConfig()
	client := &fakeLLMClient{replies: []string{
		`{"level1": "Breakthrough Research", "confidence": 0.1}`,
	}}
	orc := New(cfg, Deps{
		Fetcher:      &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Oracle:       oracle.New(client, "test-model", nil),
		KV:           newFakeRecordStore(),
		Assembler:    &fakeAssembler{digest: digest.Digest{}},
		Distribution: &fakeDistributor{},
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunNoContent {
		t.Errorf("Status = %q, want no_content", manifest.Status)
	}
}

func TestRun_DistributionSkippedReportTranslatesToNoContent(t *testing.T) {
	cfg := testConfig()
	client := &fakeLLMClient{replies: []string{
		`{"level1": "Breakthrough Research", "confidence": 0.9}`,
		`{"level2": ["Architecture Innovations"], "confidence": 0.8}`,
	}}
	orc := New(cfg, Deps{
		Fetcher:      &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Oracle:       oracle.New(client, "test-model", nil),
		KV:           newFakeRecordStore(),
		Assembler:    &fakeAssembler{digest: nonEmptyDigest()},
		Distribution: &fakeDistributor{report: distribution.Report{Skipped: true}},
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunNoContent {
		t.Errorf("Status = %q, want no_content", manifest.Status)
	}
}

func TestRun_DistributionFailureMarksRunFailed(t *testing.T) {
	cfg := testConfig()
	client := &fakeLLMClient{replies: []string{
		`{"level1": "Breakthrough Research", "confidence": 0.9}`,
		`{"level2": ["Architecture Innovations"], "confidence": 0.8}`,
	}}
	orc := New(cfg, Deps{
		Fetcher:      &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Oracle:       oracle.New(client, "test-model", nil),
		KV:           newFakeRecordStore(),
		Assembler:    &fakeAssembler{digest: nonEmptyDigest()},
		Distribution: &fakeDistributor{err: errors.New("distribution: smtp unreachable")},
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunFailed {
		t.Errorf("Status = %q, want failed", manifest.Status)
	}
	if manifest.FailingStage != StageDistribution {
		t.Errorf("FailingStage = %q, want distribution", manifest.FailingStage)
	}
}

func TestRun_RenderHTMLFailureIsWrappedAsUpstreamContract(t *testing.T) {
	cfg := testConfig()
	client := &fakeLLMClient{replies: []string{
		`{"level1": "Breakthrough Research", "confidence": 0.9}`,
		`{"level2": ["Architecture Innovations"], "confidence": 0.8}`,
	}}
	orc := New(cfg, Deps{
		Fetcher:      &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Oracle:       oracle.New(client, "test-model", nil),
		KV:           newFakeRecordStore(),
		Assembler:    &fakeAssembler{digest: nonEmptyDigest(), htmlErr: errors.New("qr encode failed")},
		Distribution: &fakeDistributor{},
	}, nil)

	manifest, err := orc.Run(context.Background(), "manual", ModeShort, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunFailed {
		t.Errorf("Status = %q, want failed", manifest.Status)
	}
	if manifest.FailingStage != StageDistribution {
		t.Errorf("FailingStage = %q, want distribution", manifest.FailingStage)
	}
}

func TestRun_LongPathDrainsQueueThenAssemblesDigest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcessingTimeSeconds = 5

	tweet := sampleTweet("t1")
	kv := newFakeRecordStore()
	kv.seedClassification("t1/v1", map[string]any{
		"tweet_id":           "t1",
		"classifier_version": "v1",
		"l1":                 "Breakthrough Research",
		"l2":                 []string{"Architecture Innovations"},
		"l1_confidence":      0.9,
		"l2_confidence":      0.8,
		"processed_at":       time.Now().UTC(),
	})

	orc := New(cfg, Deps{
		Fetcher:  &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{tweet}}},
		Capturer: &fakeCapturer{keys: []string{"runs/r1/artifacts/t1.json"}},
		Pool:     fakePool{},
		KV:       kv,
		Queue:    &fakeQueueDepth{depths: []int{1, 0}},
		Assembler: &fakeAssembler{digest: nonEmptyDigest()},
		Distribution: &fakeDistributor{report: distribution.Report{SentCount: 1, Results: []distribution.Result{{}}}},
	}, nil)
	orc.pollInterval = time.Millisecond

	manifest, err := orc.Run(context.Background(), "scheduled", ModeLong, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", manifest.Status)
	}
	if manifest.Counts.Classified != 1 {
		t.Errorf("Counts.Classified = %d, want 1", manifest.Counts.Classified)
	}
}

func TestRun_LongPathDeadlineExceededStillProducesPartialDigest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcessingTimeSeconds = 0 // expires immediately

	orc := New(cfg, Deps{
		Fetcher:  &fakeFetcher{result: fetcher.Result{Tweets: []fetcher.Tweet{sampleTweet("t1")}}},
		Capturer: &fakeCapturer{keys: []string{"runs/r1/artifacts/t1.json"}},
		Pool:     fakePool{},
		KV:       newFakeRecordStore(), // never populated, simulating a slow worker pool
		Queue:    &fakeQueueDepth{depths: []int{1, 1, 1}},
		Assembler:    &fakeAssembler{digest: digest.Digest{}},
		Distribution: &fakeDistributor{},
	}, nil)
	orc.pollInterval = time.Millisecond

	manifest, err := orc.Run(context.Background(), "scheduled", ModeLong, []string{"alice"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if manifest.Status != RunNoContent {
		t.Errorf("Status = %q, want no_content (partial/empty classification set)", manifest.Status)
	}
	if manifest.Counts.Classified != 0 {
		t.Errorf("Counts.Classified = %d, want 0", manifest.Counts.Classified)
	}
}

func TestRunManifest_ApplyResultKeepsFirstFailure(t *testing.T) {
	m := &RunManifest{Status: RunCompleted}
	m.applyResult(Ok(StageFetch, nil))
	m.applyResult(Failed(StageClassify, errkind.TransientUpstream))
	m.applyResult(Failed(StageDigest, errkind.Fatal))

	if m.Status != RunFailed {
		t.Fatalf("Status = %q, want failed", m.Status)
	}
	if m.FailingStage != StageClassify {
		t.Errorf("FailingStage = %q, want classify (first failure wins)", m.FailingStage)
	}
}
