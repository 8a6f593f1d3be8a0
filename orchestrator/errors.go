package orchestrator

import "errors"

var (
	// ErrUnknownRun is returned when a call references a run that was never
	// started, or supplies neither a runId nor a known testExternalId.
	ErrUnknownRun = errors.New("unknown run")

	// ErrUnknownTestCaseResult is returned when an evaluation references a
	// (run, test case hash) pair with no recorded result.
	ErrUnknownTestCaseResult = errors.New("unknown test case result")
)
