// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from pipeline components (fetcher,
// classifier, digest assembler, distribution, scheduler) to
// subscribers (the run-stream WebSocket handler, internal/telemetry's
// MQTT broadcaster). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the run orchestrator.
	SourceOrchestrator = "orchestrator"
	// SourceFetcher identifies events from the tweet fetcher.
	SourceFetcher = "fetcher"
	// SourceCapture identifies events from the visual capture stage.
	SourceCapture = "capture"
	// SourceClassifier identifies events from the classification engine.
	SourceClassifier = "classifier"
	// SourceDigest identifies events from the digest assembler.
	SourceDigest = "digest"
	// SourceDistribution identifies events from the distribution controller.
	SourceDistribution = "distribution"
	// SourceScheduler identifies events from the run scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a pipeline run.
	// Data: run_id, mode, source (scheduled|manual).
	KindRunStart = "run_start"
	// KindStageStart signals the beginning of one orchestrator stage.
	// Data: run_id, stage.
	KindStageStart = "stage_start"
	// KindStageComplete signals the end of one orchestrator stage.
	// Data: run_id, stage, status (ok|skipped|failed), duration_ms.
	KindStageComplete = "stage_complete"
	// KindRunComplete signals the end of a pipeline run.
	// Data: run_id, status, counts.
	KindRunComplete = "run_complete"

	// KindFetchComplete signals the fetcher finished pulling accounts.
	// Data: run_id, fetched, failed_accounts.
	KindFetchComplete = "fetch_complete"

	// KindCaptureComplete signals the visual capture stage finished.
	// Data: run_id, captured, failed.
	KindCaptureComplete = "capture_complete"

	// KindClassifyProgress signals a batch of classifications completed.
	// Data: run_id, classified, queue_depth.
	KindClassifyProgress = "classify_progress"

	// KindDigestAssembled signals the digest was assembled.
	// Data: run_id, categories.
	KindDigestAssembled = "digest_assembled"

	// KindDistributionComplete signals distribution finished.
	// Data: run_id, sent, failed.
	KindDistributionComplete = "distribution_complete"

	// KindTaskFired signals a scheduled trigger fired.
	// Data: task_id, mode.
	KindTaskFired = "task_fired"
	// KindTaskComplete signals a scheduled trigger's run finished.
	// Data: task_id, run_id, ok, duration_ms.
	KindTaskComplete = "task_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
