// Package orchestrator implements the run orchestration and correlation
// engine: the state machine that accepts lifecycle calls, test case events,
// results and evaluation scores arriving concurrently from the spawned test
// process, keeps them referentially consistent, forwards them to the
// Autoblocks API, and guarantees every opened run is eventually closed.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/autoblocksai/cli/metrics"
)

// Poster is the outbound surface the orchestrator needs from the API client.
type Poster interface {
	Post(ctx context.Context, path string, body any, out any) error
}

// Orchestrator owns all run state for the lifetime of one CLI invocation.
// State mutation is serialized by a single mutex; outbound I/O always happens
// outside it, so independent runs progress concurrently.
type Orchestrator struct {
	client Poster
	bus    *Bus

	mu             sync.Mutex
	store          *store
	evaluations    []Evaluation
	uncaughtErrors []UncaughtError
}

func New(client Poster, bus *Bus) *Orchestrator {
	return &Orchestrator{
		client: client,
		bus:    bus,
		store:  newStore(),
	}
}

// Bus returns the domain event bus consumers subscribe on.
func (o *Orchestrator) Bus() *Bus {
	return o.bus
}

// StartRun registers a run for the suite with the backend and returns the
// backend-issued run id. The caller uses that id to address the run in all
// subsequent calls.
func (o *Orchestrator) StartRun(ctx context.Context, testExternalID string, parameterCombination map[string]string) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	req := struct {
		TestExternalID       string            `json:"testExternalId"`
		StartedAt            string            `json:"startedAt"`
		ParameterCombination map[string]string `json:"parameterCombination,omitempty"`
	}{
		TestExternalID:       testExternalID,
		StartedAt:            time.Now().UTC().Format(time.RFC3339Nano),
		ParameterCombination: parameterCombination,
	}
	if err := o.client.Post(ctx, "/testing/local/runs", req, &res); err != nil {
		return "", errors.Wrapf(err, "failed to start run for %s", testExternalID)
	}

	run := &Run{
		RunID:                res.ID,
		TestExternalID:       testExternalID,
		StartedAt:            time.Now().UTC(),
		ParameterCombination: parameterCombination,
	}

	o.mu.Lock()
	o.store.addRun(run)
	o.mu.Unlock()

	metrics.RecordRunStarted(testExternalID)
	log.Info("Run started", "testExternalId", testExternalID, "runId", run.RunID)
	o.bus.Publish(Event{Kind: EventRunStarted, Run: run})
	return run.RunID, nil
}

// EndRun closes the run addressed by runID, or by the latest run for
// testExternalID when runID is empty. Ending an already-closed run is a
// no-op, because a forced shutdown drain may race with an explicit end call.
func (o *Orchestrator) EndRun(ctx context.Context, testExternalID, runID string) error {
	o.mu.Lock()
	run, ok := o.store.resolveRun(testExternalID, runID)
	o.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownRun, "testExternalId=%q runId=%q", testExternalID, runID)
	}
	return o.endRun(ctx, run, false)
}

// endRun performs the OPEN -> CLOSED transition. The claim on the run is made
// under the lock before any I/O, so exactly one caller closes it and exactly
// one "run ended" event is emitted.
func (o *Orchestrator) endRun(ctx context.Context, run *Run, forced bool) error {
	now := time.Now().UTC()

	o.mu.Lock()
	if run.Ended() {
		o.mu.Unlock()
		log.Debug("Run already ended", "runId", run.RunID)
		return nil
	}
	run.EndedAt = &now
	o.mu.Unlock()

	endErr := o.client.Post(ctx, fmt.Sprintf("/testing/local/runs/%s/end", run.RunID), struct {
		EndedAt string `json:"endedAt"`
	}{EndedAt: now.Format(time.RFC3339Nano)}, nil)

	// The share URL is a nicety; failing to obtain one never fails the close.
	var shareRes struct {
		ShareURL string `json:"shareUrl"`
	}
	if err := o.client.Post(ctx, fmt.Sprintf("/testing/local/runs/%s/share-url", run.RunID), struct{}{}, &shareRes); err != nil {
		log.Warn("Failed to obtain share URL", "runId", run.RunID, "err", err)
	} else {
		o.mu.Lock()
		run.ShareURL = shareRes.ShareURL
		o.mu.Unlock()
	}

	metrics.RecordRunEnded(run.TestExternalID, forced)
	log.Info("Run ended",
		"testExternalId", run.TestExternalID,
		"runId", run.RunID,
		"forced", forced,
		"shareUrl", run.ShareURL)
	o.bus.Publish(Event{Kind: EventRunEnded, Run: run})

	if endErr != nil {
		return errors.Wrapf(endErr, "failed to end run %s", run.RunID)
	}
	return nil
}

// EventInput is one test case event as received from the SDK.
type EventInput struct {
	TestExternalID string
	RunID          string
	TestCaseHash   string
	Message        string
	TraceID        string
	Timestamp      string
	Properties     json.RawMessage
}

// RecordEvent buffers the event until the matching result is recorded. The
// run is not required to still be open; events may trail a racing end call.
func (o *Orchestrator) RecordEvent(in EventInput) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.store.resolveRun(in.TestExternalID, in.RunID)
	if !ok {
		return errors.Wrapf(ErrUnknownRun, "testExternalId=%q runId=%q", in.TestExternalID, in.RunID)
	}
	o.store.bufferEvent(TestCaseEvent{
		RunID:        run.RunID,
		TestCaseHash: in.TestCaseHash,
		Message:      in.Message,
		TraceID:      in.TraceID,
		Timestamp:    in.Timestamp,
		Properties:   in.Properties,
	})
	return nil
}

// ResultInput is one test case result as received from the SDK.
type ResultInput struct {
	TestExternalID string
	RunID          string
	TestCaseHash   string
	Body           json.RawMessage
	Output         json.RawMessage
	DurationMS     *float64
}

// RecordResult creates the test case result with the backend, attaches all
// buffered events for the test case, submits body/output/events as
// independent best-effort sub-operations, then triggers backend-side
// evaluators for the result and folds their verdicts in as if locally
// computed. Returns the backend-issued result id.
func (o *Orchestrator) RecordResult(ctx context.Context, in ResultInput) (string, error) {
	o.mu.Lock()
	run, ok := o.store.resolveRun(in.TestExternalID, in.RunID)
	o.mu.Unlock()
	if !ok {
		return "", errors.Wrapf(ErrUnknownRun, "testExternalId=%q runId=%q", in.TestExternalID, in.RunID)
	}

	var res struct {
		ID string `json:"id"`
	}
	req := struct {
		TestCaseHash string   `json:"testCaseHash"`
		DurationMS   *float64 `json:"testCaseDurationMs,omitempty"`
	}{
		TestCaseHash: in.TestCaseHash,
		DurationMS:   in.DurationMS,
	}
	if err := o.client.Post(ctx, fmt.Sprintf("/testing/local/runs/%s/results", run.RunID), req, &res); err != nil {
		return "", errors.Wrapf(err, "failed to record result for run %s hash %s", run.RunID, in.TestCaseHash)
	}
	resultID := res.ID

	o.mu.Lock()
	o.store.setResultID(run.RunID, in.TestCaseHash, resultID)
	events := o.store.flushEvents(run.RunID, in.TestCaseHash)
	o.mu.Unlock()

	o.submitResultParts(ctx, run.RunID, resultID, in, events)
	o.runBackendEvaluations(ctx, run.RunID, resultID, in.TestCaseHash)

	log.Debug("Result recorded",
		"runId", run.RunID,
		"testCaseHash", in.TestCaseHash,
		"resultId", resultID,
		"attachedEvents", len(events))
	return resultID, nil
}

// submitResultParts settles all sub-operations for a result independently: a
// failing part is logged and does not block its siblings.
func (o *Orchestrator) submitResultParts(ctx context.Context, runID, resultID string, in ResultInput, events []TestCaseEvent) {
	base := fmt.Sprintf("/testing/local/runs/%s/results/%s", runID, resultID)

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		err := o.client.Post(ctx, base+"/body", struct {
			TestCaseBody json.RawMessage `json:"testCaseBody"`
		}{TestCaseBody: in.Body}, nil)
		if err != nil {
			log.Error("Failed to submit test case body", "resultId", resultID, "err", err)
		}
		return err
	})
	if in.Output != nil {
		p.Go(func(ctx context.Context) error {
			err := o.client.Post(ctx, base+"/output", struct {
				TestCaseOutput json.RawMessage `json:"testCaseOutput"`
			}{TestCaseOutput: in.Output}, nil)
			if err != nil {
				log.Error("Failed to submit test case output", "resultId", resultID, "err", err)
			}
			return err
		})
	}
	if len(events) > 0 {
		p.Go(func(ctx context.Context) error {
			err := o.client.Post(ctx, base+"/events", struct {
				TestCaseEvents []TestCaseEvent `json:"testCaseEvents"`
			}{TestCaseEvents: events}, nil)
			if err != nil {
				log.Error("Failed to submit test case events", "resultId", resultID, "err", err)
			}
			return err
		})
	}
	if err := p.Wait(); err != nil {
		metrics.RecordError("result_submission")
	}
}

// runBackendEvaluations asks the backend to run its automated evaluators for
// the result and folds the returned verdicts into the local evaluation set.
func (o *Orchestrator) runBackendEvaluations(ctx context.Context, runID, resultID, testCaseHash string) {
	var res struct {
		Evaluations []struct {
			EvaluatorExternalID string          `json:"evaluatorExternalId"`
			Score               float64         `json:"score"`
			Threshold           *Threshold      `json:"threshold"`
			Metadata            json.RawMessage `json:"metadata"`
		} `json:"evaluations"`
	}
	err := o.client.Post(ctx, fmt.Sprintf("/testing/local/runs/%s/results/%s/evaluate", runID, resultID), struct{}{}, &res)
	if err != nil {
		log.Warn("Failed to run backend evaluators", "resultId", resultID, "err", err)
		metrics.RecordError("backend_evaluation")
		return
	}

	for _, e := range res.Evaluations {
		eval := Evaluation{
			RunID:               runID,
			TestCaseHash:        testCaseHash,
			EvaluatorExternalID: e.EvaluatorExternalID,
			Score:               e.Score,
			Threshold:           e.Threshold,
			Passed:              EvaluatePassed(e.Score, e.Threshold),
			Metadata:            e.Metadata,
		}
		o.mu.Lock()
		o.evaluations = append(o.evaluations, eval)
		o.mu.Unlock()
		metrics.RecordEvaluation(eval.EvaluatorExternalID, string(eval.Passed))
		o.bus.Publish(Event{Kind: EventEvaluationRecorded, Evaluation: &eval})
	}
}

// EvaluationInput is one evaluator verdict as received from the SDK.
type EvaluationInput struct {
	TestExternalID      string
	RunID               string
	TestCaseHash        string
	EvaluatorExternalID string
	Score               float64
	Threshold           *Threshold
	Metadata            json.RawMessage
}

// RecordEvaluation records one evaluator's score against a previously
// recorded result. An evaluation for a test case with no result is a
// referential error, not a silently dropped event.
func (o *Orchestrator) RecordEvaluation(ctx context.Context, in EvaluationInput) error {
	o.mu.Lock()
	run, ok := o.store.resolveRun(in.TestExternalID, in.RunID)
	if !ok {
		o.mu.Unlock()
		return errors.Wrapf(ErrUnknownRun, "testExternalId=%q runId=%q", in.TestExternalID, in.RunID)
	}
	resultID, ok := o.store.resultID(run.RunID, in.TestCaseHash)
	o.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownTestCaseResult, "runId=%q testCaseHash=%q", run.RunID, in.TestCaseHash)
	}

	eval := Evaluation{
		RunID:               run.RunID,
		TestCaseHash:        in.TestCaseHash,
		EvaluatorExternalID: in.EvaluatorExternalID,
		Score:               in.Score,
		Threshold:           in.Threshold,
		Passed:              EvaluatePassed(in.Score, in.Threshold),
		Metadata:            in.Metadata,
	}

	req := struct {
		EvaluatorExternalID string          `json:"evaluatorExternalId"`
		Score               float64         `json:"score"`
		Passed              PassStatus      `json:"passed"`
		Threshold           *Threshold      `json:"threshold,omitempty"`
		Metadata            json.RawMessage `json:"metadata,omitempty"`
	}{
		EvaluatorExternalID: eval.EvaluatorExternalID,
		Score:               eval.Score,
		Passed:              eval.Passed,
		Threshold:           eval.Threshold,
		Metadata:            eval.Metadata,
	}
	path := fmt.Sprintf("/testing/local/runs/%s/results/%s/evaluations", run.RunID, resultID)
	if err := o.client.Post(ctx, path, req, nil); err != nil {
		return errors.Wrapf(err, "failed to record evaluation %s for result %s", eval.EvaluatorExternalID, resultID)
	}

	o.mu.Lock()
	o.evaluations = append(o.evaluations, eval)
	o.mu.Unlock()

	metrics.RecordEvaluation(eval.EvaluatorExternalID, string(eval.Passed))
	o.bus.Publish(Event{Kind: EventEvaluationRecorded, Evaluation: &eval})
	return nil
}

// RecordUncaughtError records an out-of-band failure reported by the test
// process. It always succeeds.
func (o *Orchestrator) RecordUncaughtError(uncaught UncaughtError) {
	o.mu.Lock()
	o.uncaughtErrors = append(o.uncaughtErrors, uncaught)
	o.mu.Unlock()

	metrics.RecordError("uncaught_sdk_error")
	log.Error("Uncaught error reported by test process",
		"testExternalId", uncaught.TestExternalID,
		"runId", uncaught.RunID,
		"testCaseHash", uncaught.TestCaseHash,
		"evaluatorExternalId", uncaught.EvaluatorExternalID,
		"name", uncaught.Error.Name,
		"message", uncaught.Error.Message)
	o.bus.Publish(Event{Kind: EventUncaughtErrorAdded, UncaughtError: &uncaught})
}

// HasUncaughtErrors reports whether any uncaught error has been recorded.
func (o *Orchestrator) HasUncaughtErrors() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.uncaughtErrors) > 0
}

// HasAnyFailedEvaluation reports whether any evaluation resolved FALSE.
func (o *Orchestrator) HasAnyFailedEvaluation() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, eval := range o.evaluations {
		if eval.Passed == PassStatusFalse {
			return true
		}
	}
	return false
}

// Evaluations returns a copy of all recorded evaluations.
func (o *Orchestrator) Evaluations() []Evaluation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Evaluation, len(o.evaluations))
	copy(out, o.evaluations)
	return out
}

// Runs returns a copy of all registered runs in start order by id.
func (o *Orchestrator) Runs() []Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Run, 0, len(o.store.runs))
	for _, run := range o.store.runs {
		out = append(out, *run)
	}
	return out
}

// TestCaseHashes returns the hashes with a recorded result for the run.
func (o *Orchestrator) TestCaseHashes(runID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.testCaseHashes(runID)
}

// DrainAll force-closes every run still open. Close attempts fan out
// independently and are collected without short-circuiting, so one run's
// failure cannot keep another open. The combined error is returned for
// logging; every run has been attempted by the time DrainAll returns.
func (o *Orchestrator) DrainAll(ctx context.Context) error {
	o.mu.Lock()
	open := o.store.openRuns()
	o.mu.Unlock()

	if len(open) == 0 {
		return nil
	}
	log.Info("Draining open runs", "count", len(open))

	p := pool.New().WithErrors().WithContext(ctx)
	for _, run := range open {
		run := run
		p.Go(func(ctx context.Context) error {
			if err := o.endRun(ctx, run, true); err != nil {
				log.Error("Failed to close run during drain", "runId", run.RunID, "err", err)
				return err
			}
			return nil
		})
	}
	return p.Wait()
}
