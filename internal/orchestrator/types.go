// Package orchestrator implements capability C12: the end-to-end run
// controller that wires Fetcher, Capture, Classification Engine,
// Digest Assembler, and Distribution Controller together into one
// weekly pipeline execution, per spec.md §4.12. The short/long mode
// split and the StageName/StageResult/RunManifest shape are grounded on
// spec.md §9's explicit redesign guidance: replace ad-hoc
// decide-then-call orchestration logic with an explicit reducer over
// a small closed set of stage outcomes, mirroring the teacher's
// scheduler.Payload tagged-variant idiom.
package orchestrator

import "time"

// ProcessingMode selects which of the two execution paths a run takes.
// It is a closed-kind tagged variant with no per-variant payload, the
// simplest case of the pattern used by fetcher.TweetKind and
// scheduler.Payload: a named string type with a fixed const set rather
// than a struct, since nothing else varies by mode.
type ProcessingMode string

const (
	// ModeShort runs fetch, in-memory classification, digest assembly,
	// and distribution synchronously in one bounded execution.
	ModeShort ProcessingMode = "short"
	// ModeLong runs fetch and visual capture up front, then drains
	// classification through the queue-backed worker pool before
	// assembling the digest.
	ModeLong ProcessingMode = "long"
	// ModeAuto defers the short/long choice to SelectMode.
	ModeAuto ProcessingMode = "auto"
)

// StageName identifies one of the orchestrator's pipeline stages.
type StageName string

const (
	StageFetch        StageName = "fetch"
	StageCapture      StageName = "capture"
	StageClassify     StageName = "classify"
	StageDigest       StageName = "digest"
	StageDistribution StageName = "distribution"
)

// StageStatus is the closed set of outcomes a Stage can report.
type StageStatus string

const (
	StageOk       StageStatus = "ok"
	StageSkipped  StageStatus = "skipped"
	StageFailed   StageStatus = "failed"
)

// StageResult is what every orchestrator stage reduces to: exactly one
// of Ok (with an opaque payload describing what happened), Skipped
// (with a reason), or Failed (with the errkind sentinel that caused
// it). The RunManifest reducer inspects Status only; Payload/Reason/Err
// are for logging and event publication.
type StageResult struct {
	Stage   StageName
	Status  StageStatus
	Reason  string // set when Status == StageSkipped
	Err     error  // set when Status == StageFailed
	Payload any    // stage-specific detail, e.g. fetch counts
}

// Ok constructs a successful StageResult.
func Ok(stage StageName, payload any) StageResult {
	return StageResult{Stage: stage, Status: StageOk, Payload: payload}
}

// Skipped constructs a skipped StageResult.
func Skipped(stage StageName, reason string) StageResult {
	return StageResult{Stage: stage, Status: StageSkipped, Reason: reason}
}

// Failed constructs a failed StageResult.
func Failed(stage StageName, err error) StageResult {
	return StageResult{Stage: stage, Status: StageFailed, Err: err}
}

// RunStatus is the closed set of terminal outcomes for an entire run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunNoContent RunStatus = "no_content" // classification produced nothing distributable
	RunFailed    RunStatus = "failed"
)

// Counts tallies how much work a run actually did, per spec.md §6's
// persisted run record.
type Counts struct {
	Fetched    int `json:"fetched"`
	Classified int `json:"classified"`
	Recipients int `json:"recipients"`
	Succeeded  int `json:"succeeded"`
}

// RunManifest is the persisted record of one orchestrator execution,
// mirroring spec.md §6's runs table (primary key RunID).
type RunManifest struct {
	RunID        string        `json:"run_id"`
	Mode         ProcessingMode `json:"mode"`
	Source       string        `json:"source"` // "scheduled" | "manual"
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	FailingStage StageName     `json:"failing_stage,omitempty"`
	FailureError string        `json:"failure_error,omitempty"`
	Counts       Counts        `json:"counts"`
}

// Table is the kvstore table RunManifests are persisted to.
const Table = "runs"

// applyResult folds one StageResult into the manifest, stopping at the
// first failure. Later stages are never invoked once a fatal failure
// is recorded; the caller's control flow (not this reducer) enforces
// that by checking Status == StageFailed before proceeding.
func (m *RunManifest) applyResult(r StageResult) {
	if r.Status == StageFailed && m.Status != RunFailed {
		m.Status = RunFailed
		m.FailingStage = r.Stage
		if r.Err != nil {
			m.FailureError = r.Err.Error()
		}
	}
}
