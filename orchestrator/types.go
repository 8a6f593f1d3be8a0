package orchestrator

import (
	"encoding/json"
	"time"
)

// PassStatus is the tri-state verdict of an evaluation.
type PassStatus string

const (
	// PassStatusTrue means every supplied threshold comparison held.
	PassStatusTrue PassStatus = "TRUE"
	// PassStatusFalse means at least one supplied threshold comparison failed.
	PassStatusFalse PassStatus = "FALSE"
	// PassStatusNotApplicable means the evaluator scored the test case but
	// supplied no pass/fail criterion.
	PassStatusNotApplicable PassStatus = "NOT_APPLICABLE"
)

// Threshold is an optional comparison expression attached to an evaluation.
// Any combination of the four comparators may be set; all set comparators must
// hold against the score for the evaluation to pass.
type Threshold struct {
	LT  *float64 `json:"lt,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
	GT  *float64 `json:"gt,omitempty"`
	GTE *float64 `json:"gte,omitempty"`
}

// IsEmpty reports whether no comparator is set.
func (t *Threshold) IsEmpty() bool {
	return t == nil || (t.LT == nil && t.LTE == nil && t.GT == nil && t.GTE == nil)
}

// Run is one execution of a named test suite. It is created by StartRun and
// immutable once EndedAt is set.
type Run struct {
	RunID                string
	TestExternalID       string
	StartedAt            time.Time
	EndedAt              *time.Time
	ShareURL             string
	ParameterCombination map[string]string
}

// Ended reports whether the run has been closed.
func (r *Run) Ended() bool {
	return r.EndedAt != nil
}

// TestCaseEvent is a structured log line tied to one test case, buffered until
// the matching result is recorded.
type TestCaseEvent struct {
	RunID        string          `json:"-"`
	TestCaseHash string          `json:"-"`
	Message      string          `json:"message"`
	TraceID      string          `json:"traceId"`
	Timestamp    string          `json:"timestamp"`
	Properties   json.RawMessage `json:"properties,omitempty"`
}

// TestCaseResult is one evaluated input/output pair within a run.
type TestCaseResult struct {
	ResultID     string
	RunID        string
	TestCaseHash string
	Body         json.RawMessage
	Output       json.RawMessage
	DurationMS   *float64
}

// Evaluation is one evaluator's verdict for one test case result.
type Evaluation struct {
	RunID               string
	TestCaseHash        string
	EvaluatorExternalID string
	Score               float64
	Threshold           *Threshold
	Passed              PassStatus
	Metadata            json.RawMessage
}

// ErrorInfo describes an error reported by the test SDK.
type ErrorInfo struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// UncaughtError is an out-of-band failure reported by the external test
// process. All fields except Error are optional.
type UncaughtError struct {
	TestExternalID      string
	RunID               string
	TestCaseHash        string
	EvaluatorExternalID string
	Error               ErrorInfo
}
