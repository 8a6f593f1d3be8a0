package orchestrator

// correlationKey addresses one test case within one run.
type correlationKey struct {
	runID        string
	testCaseHash string
}

// store is the in-memory correlation layer: external test identifiers to run
// identifiers, (run, test case hash) to result identifiers, and buffered test
// case events awaiting attachment to a result.
//
// The store is private to the Orchestrator, which serializes all access; none
// of these methods lock.
type store struct {
	runs map[string]*Run

	// latestRunByTest maps testExternalId to the most recently registered
	// runId for that suite. Last write wins. It exists only so callers that
	// predate explicit run ids can still address their run; once every
	// caller passes a runId this index can be deleted.
	latestRunByTest map[string]string

	resultIDs      map[correlationKey]string
	bufferedEvents map[correlationKey][]TestCaseEvent
}

func newStore() *store {
	return &store{
		runs:            make(map[string]*Run),
		latestRunByTest: make(map[string]string),
		resultIDs:       make(map[correlationKey]string),
		bufferedEvents:  make(map[correlationKey][]TestCaseEvent),
	}
}

func (s *store) addRun(run *Run) {
	s.runs[run.RunID] = run
	s.latestRunByTest[run.TestExternalID] = run.RunID
}

// resolveRun looks up a run by explicit id when one is supplied, otherwise by
// the latest-run index for the suite. This is the single resolution point for
// every operation that addresses an existing run.
func (s *store) resolveRun(testExternalID, runID string) (*Run, bool) {
	if runID != "" {
		run, ok := s.runs[runID]
		return run, ok
	}
	latest, ok := s.latestRunByTest[testExternalID]
	if !ok {
		return nil, false
	}
	run, ok := s.runs[latest]
	return run, ok
}

func (s *store) openRuns() []*Run {
	var open []*Run
	for _, run := range s.runs {
		if !run.Ended() {
			open = append(open, run)
		}
	}
	return open
}

func (s *store) bufferEvent(event TestCaseEvent) {
	key := correlationKey{runID: event.RunID, testCaseHash: event.TestCaseHash}
	s.bufferedEvents[key] = append(s.bufferedEvents[key], event)
}

// flushEvents removes and returns all buffered events for the key, so each
// event is attached to exactly one result.
func (s *store) flushEvents(runID, testCaseHash string) []TestCaseEvent {
	key := correlationKey{runID: runID, testCaseHash: testCaseHash}
	events := s.bufferedEvents[key]
	delete(s.bufferedEvents, key)
	return events
}

func (s *store) setResultID(runID, testCaseHash, resultID string) {
	s.resultIDs[correlationKey{runID: runID, testCaseHash: testCaseHash}] = resultID
}

func (s *store) resultID(runID, testCaseHash string) (string, bool) {
	id, ok := s.resultIDs[correlationKey{runID: runID, testCaseHash: testCaseHash}]
	return id, ok
}

// testCaseHashes returns the hashes with a recorded result for the run.
func (s *store) testCaseHashes(runID string) []string {
	var hashes []string
	for key := range s.resultIDs {
		if key.runID == runID {
			hashes = append(hashes, key.testCaseHash)
		}
	}
	return hashes
}
