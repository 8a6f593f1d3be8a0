package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory stand-in for the Autoblocks API. It assigns
// sequential ids and records every post so tests can assert on the wire
// traffic. Individual paths can be made to fail.
type fakeBackend struct {
	mu        sync.Mutex
	posts     []recordedPost
	runSeq    int
	resultSeq int

	// failSuffixes maps a path suffix to the error returned for it.
	failSuffixes map[string]error
	// failRunIDs fails the /end call for specific run ids.
	failRunIDs map[string]error
	// evaluateResponse is returned from /evaluate calls.
	evaluateResponse string
}

type recordedPost struct {
	path string
	body string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failSuffixes:     make(map[string]error),
		failRunIDs:       make(map[string]error),
		evaluateResponse: `{"evaluations": []}`,
	}
}

func (f *fakeBackend) Post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.posts = append(f.posts, recordedPost{path: path, body: string(raw)})
	for suffix, failErr := range f.failSuffixes {
		if strings.HasSuffix(path, suffix) {
			f.mu.Unlock()
			return failErr
		}
	}
	for runID, failErr := range f.failRunIDs {
		if strings.HasSuffix(path, fmt.Sprintf("/runs/%s/end", runID)) {
			f.mu.Unlock()
			return failErr
		}
	}

	var response string
	switch {
	case path == "/testing/local/runs":
		f.runSeq++
		response = fmt.Sprintf(`{"id": "run-%d"}`, f.runSeq)
	case strings.HasSuffix(path, "/results"):
		f.resultSeq++
		response = fmt.Sprintf(`{"id": "result-%d"}`, f.resultSeq)
	case strings.HasSuffix(path, "/share-url"):
		response = `{"shareUrl": "https://app.autoblocks.ai/share/abc"}`
	case strings.HasSuffix(path, "/evaluate"):
		response = f.evaluateResponse
	default:
		response = `{}`
	}
	f.mu.Unlock()

	if out != nil {
		return json.Unmarshal([]byte(response), out)
	}
	return nil
}

func (f *fakeBackend) postsTo(suffix string) []recordedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []recordedPost
	for _, p := range f.posts {
		if strings.HasSuffix(p.path, suffix) {
			matched = append(matched, p)
		}
	}
	return matched
}

func newTestOrchestrator() (*Orchestrator, *fakeBackend) {
	backend := newFakeBackend()
	return New(backend, NewBus()), backend
}

func collectEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

func TestStartRunReturnsBackendID(t *testing.T) {
	o, backend := newTestOrchestrator()
	started := o.Bus().Subscribe(EventRunStarted)

	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	posts := backend.postsTo("/testing/local/runs")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].body, `"testExternalId":"suite-1"`)

	events := collectEvents(started)
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].Run.RunID)
}

func TestStartRunCarriesParameterCombination(t *testing.T) {
	o, backend := newTestOrchestrator()

	_, err := o.StartRun(context.Background(), "suite-1", map[string]string{"x": "x1", "y": "y1"})
	require.NoError(t, err)

	posts := backend.postsTo("/testing/local/runs")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].body, `"parameterCombination"`)
	assert.Contains(t, posts[0].body, `"x":"x1"`)
}

func TestEndRunIsIdempotent(t *testing.T) {
	o, backend := newTestOrchestrator()
	ended := o.Bus().Subscribe(EventRunEnded)

	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	require.NoError(t, o.EndRun(context.Background(), "suite-1", runID))
	require.NoError(t, o.EndRun(context.Background(), "suite-1", runID))

	assert.Len(t, backend.postsTo("/end"), 1)

	events := collectEvents(ended)
	require.Len(t, events, 1)
	assert.Equal(t, "https://app.autoblocks.ai/share/abc", events[0].Run.ShareURL)
	require.NotNil(t, events[0].Run.EndedAt)
}

func TestEndRunShareURLFailureDoesNotFailClose(t *testing.T) {
	o, backend := newTestOrchestrator()
	backend.failSuffixes["/share-url"] = fmt.Errorf("backend unavailable")

	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)
	require.NoError(t, o.EndRun(context.Background(), "suite-1", runID))

	runs := o.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Ended())
	assert.Empty(t, runs[0].ShareURL)
}

func TestEndRunFallsBackToLatestRunForSuite(t *testing.T) {
	o, backend := newTestOrchestrator()

	_, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)
	second, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	// No explicit runId addresses the most recently started run.
	require.NoError(t, o.EndRun(context.Background(), "suite-1", ""))

	ends := backend.postsTo("/end")
	require.Len(t, ends, 1)
	assert.Contains(t, ends[0].path, second)
}

func TestEndRunUnknownRun(t *testing.T) {
	o, _ := newTestOrchestrator()
	err := o.EndRun(context.Background(), "never-started", "")
	require.ErrorIs(t, err, ErrUnknownRun)
}

func TestRecordResultFlushesBufferedEventsOnce(t *testing.T) {
	o, backend := newTestOrchestrator()
	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, o.RecordEvent(EventInput{
			TestExternalID: "suite-1",
			RunID:          runID,
			TestCaseHash:   "hash-a",
			Message:        fmt.Sprintf("log line %d", i),
			TraceID:        "trace-1",
		}))
	}

	resultID, err := o.RecordResult(context.Background(), ResultInput{
		TestExternalID: "suite-1",
		RunID:          runID,
		TestCaseHash:   "hash-a",
		Body:           json.RawMessage(`{"input": "a"}`),
		Output:         json.RawMessage(`"out"`),
	})
	require.NoError(t, err)
	assert.Equal(t, "result-1", resultID)

	eventPosts := backend.postsTo("/events")
	require.Len(t, eventPosts, 1)
	assert.Contains(t, eventPosts[0].body, "log line 0")
	assert.Contains(t, eventPosts[0].body, "log line 2")

	// A later result for a different hash must not see those events again.
	_, err = o.RecordResult(context.Background(), ResultInput{
		TestExternalID: "suite-1",
		RunID:          runID,
		TestCaseHash:   "hash-b",
		Body:           json.RawMessage(`{"input": "b"}`),
	})
	require.NoError(t, err)
	assert.Len(t, backend.postsTo("/events"), 1)
}

func TestRecordResultSubOperationFailureIsIsolated(t *testing.T) {
	o, backend := newTestOrchestrator()
	backend.failSuffixes["/body"] = fmt.Errorf("body rejected")

	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	resultID, err := o.RecordResult(context.Background(), ResultInput{
		TestExternalID: "suite-1",
		RunID:          runID,
		TestCaseHash:   "hash-a",
		Body:           json.RawMessage(`{}`),
		Output:         json.RawMessage(`"out"`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resultID)

	// The sibling output submission still happened.
	assert.Len(t, backend.postsTo("/output"), 1)
}

func TestRecordResultFoldsBackendEvaluatorVerdicts(t *testing.T) {
	o, backend := newTestOrchestrator()
	backend.evaluateResponse = `{"evaluations": [
		{"evaluatorExternalId": "auto-grader", "score": 0.4, "threshold": {"gte": 0.9}}
	]}`
	evalCh := o.Bus().Subscribe(EventEvaluationRecorded)

	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)
	_, err = o.RecordResult(context.Background(), ResultInput{
		TestExternalID: "suite-1",
		RunID:          runID,
		TestCaseHash:   "hash-a",
		Body:           json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	assert.True(t, o.HasAnyFailedEvaluation())
	events := collectEvents(evalCh)
	require.Len(t, events, 1)
	assert.Equal(t, "auto-grader", events[0].Evaluation.EvaluatorExternalID)
	assert.Equal(t, PassStatusFalse, events[0].Evaluation.Passed)
}

func TestRecordEvaluationRequiresResult(t *testing.T) {
	o, _ := newTestOrchestrator()
	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	err = o.RecordEvaluation(context.Background(), EvaluationInput{
		TestExternalID:      "suite-1",
		RunID:               runID,
		TestCaseHash:        "no-such-hash",
		EvaluatorExternalID: "accuracy",
		Score:               1,
	})
	require.ErrorIs(t, err, ErrUnknownTestCaseResult)
}

func TestRecordEvaluationComputesPassedAndSubmits(t *testing.T) {
	o, backend := newTestOrchestrator()
	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)
	_, err = o.RecordResult(context.Background(), ResultInput{
		TestExternalID: "suite-1",
		RunID:          runID,
		TestCaseHash:   "hash-a",
		Body:           json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	gte := 0.9
	require.NoError(t, o.RecordEvaluation(context.Background(), EvaluationInput{
		TestExternalID:      "suite-1",
		RunID:               runID,
		TestCaseHash:        "hash-a",
		EvaluatorExternalID: "accuracy",
		Score:               0.95,
		Threshold:           &Threshold{GTE: &gte},
	}))

	posts := backend.postsTo("/evaluations")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].body, `"passed":"TRUE"`)
	assert.False(t, o.HasAnyFailedEvaluation())

	evals := o.Evaluations()
	require.Len(t, evals, 1)
	assert.Equal(t, PassStatusTrue, evals[0].Passed)
}

func TestRecordUncaughtErrorAlwaysSucceeds(t *testing.T) {
	o, _ := newTestOrchestrator()
	errCh := o.Bus().Subscribe(EventUncaughtErrorAdded)

	assert.False(t, o.HasUncaughtErrors())
	o.RecordUncaughtError(UncaughtError{
		TestExternalID: "suite-1",
		Error:          ErrorInfo{Name: "ValueError", Message: "boom"},
	})
	assert.True(t, o.HasUncaughtErrors())

	events := collectEvents(errCh)
	require.Len(t, events, 1)
	assert.Equal(t, "ValueError", events[0].UncaughtError.Error.Name)
}

func TestDrainAllClosesEveryOpenRun(t *testing.T) {
	o, backend := newTestOrchestrator()

	for i := 0; i < 3; i++ {
		_, err := o.StartRun(context.Background(), fmt.Sprintf("suite-%d", i), nil)
		require.NoError(t, err)
	}

	require.NoError(t, o.DrainAll(context.Background()))
	assert.Len(t, backend.postsTo("/end"), 3)
	for _, run := range o.Runs() {
		assert.True(t, run.Ended())
	}
}

func TestDrainAllToleratesIndividualFailures(t *testing.T) {
	o, backend := newTestOrchestrator()

	var runIDs []string
	for i := 0; i < 3; i++ {
		runID, err := o.StartRun(context.Background(), fmt.Sprintf("suite-%d", i), nil)
		require.NoError(t, err)
		runIDs = append(runIDs, runID)
	}
	backend.failRunIDs[runIDs[1]] = fmt.Errorf("backend error")

	err := o.DrainAll(context.Background())
	require.Error(t, err)

	// All three runs were attempted despite the failure.
	assert.Len(t, backend.postsTo("/end"), 3)
	for _, run := range o.Runs() {
		assert.True(t, run.Ended())
	}
}

func TestDrainAllIsNoOpWhenNothingOpen(t *testing.T) {
	o, backend := newTestOrchestrator()
	require.NoError(t, o.DrainAll(context.Background()))
	assert.Empty(t, backend.postsTo("/end"))
}

func TestRecordEventUnknownRun(t *testing.T) {
	o, _ := newTestOrchestrator()
	err := o.RecordEvent(EventInput{TestExternalID: "nope", TestCaseHash: "h"})
	require.ErrorIs(t, err, ErrUnknownRun)
}

func TestTestCaseHashesListsRecordedResults(t *testing.T) {
	o, _ := newTestOrchestrator()
	runID, err := o.StartRun(context.Background(), "suite-1", nil)
	require.NoError(t, err)

	for _, hash := range []string{"hash-a", "hash-b"} {
		_, err := o.RecordResult(context.Background(), ResultInput{
			TestExternalID: "suite-1",
			RunID:          runID,
			TestCaseHash:   hash,
			Body:           json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	hashes := o.TestCaseHashes(runID)
	assert.ElementsMatch(t, []string{"hash-a", "hash-b"}, hashes)
}
