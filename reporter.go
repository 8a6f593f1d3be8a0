package relay

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/autoblocksai/cli/orchestrator"
)

// Reporter is the CI-facing consumer of domain events. It subscribes to the
// orchestrator's bus and renders an end-of-run summary table; it contains no
// orchestration logic and the orchestrator does not know it exists.
type Reporter struct {
	events <-chan orchestrator.Event
	done   chan struct{}

	mu             sync.Mutex
	endedRuns      []orchestrator.Run
	evalsByRun     map[string][]orchestrator.Evaluation
	uncaughtErrors int
}

func NewReporter(bus *orchestrator.Bus) *Reporter {
	r := &Reporter{
		events: bus.Subscribe(
			orchestrator.EventRunEnded,
			orchestrator.EventEvaluationRecorded,
			orchestrator.EventUncaughtErrorAdded,
		),
		done:       make(chan struct{}),
		evalsByRun: make(map[string][]orchestrator.Evaluation),
	}
	go r.consume()
	return r
}

func (r *Reporter) consume() {
	defer close(r.done)
	for event := range r.events {
		r.mu.Lock()
		switch event.Kind {
		case orchestrator.EventRunEnded:
			r.endedRuns = append(r.endedRuns, *event.Run)
		case orchestrator.EventEvaluationRecorded:
			eval := *event.Evaluation
			r.evalsByRun[eval.RunID] = append(r.evalsByRun[eval.RunID], eval)
		case orchestrator.EventUncaughtErrorAdded:
			r.uncaughtErrors++
		}
		r.mu.Unlock()
	}
}

// Wait blocks until the event channel has been closed and fully consumed.
func (r *Reporter) Wait() {
	<-r.done
}

// PrintSummary renders the per-run summary table.
func (r *Reporter) PrintSummary(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.endedRuns) == 0 && r.uncaughtErrors == 0 {
		return
	}

	runs := make([]orchestrator.Run, len(r.endedRuns))
	copy(runs, r.endedRuns)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Test Suite", "Run", "Passed", "Failed", "No Criterion", "Share URL"})
	for _, run := range runs {
		var passed, failed, na int
		for _, eval := range r.evalsByRun[run.RunID] {
			switch eval.Passed {
			case orchestrator.PassStatusTrue:
				passed++
			case orchestrator.PassStatusFalse:
				failed++
			case orchestrator.PassStatusNotApplicable:
				na++
			}
		}
		name := run.TestExternalID
		if len(run.ParameterCombination) > 0 {
			name += " " + formatParams(run.ParameterCombination)
		}
		failedCell := fmt.Sprintf("%d", failed)
		if failed > 0 {
			failedCell = text.FgRed.Sprint(failedCell)
		}
		t.AppendRow(table.Row{
			name,
			run.RunID,
			text.FgGreen.Sprintf("%d", passed),
			failedCell,
			na,
			run.ShareURL,
		})
	}
	t.Render()

	if r.uncaughtErrors > 0 {
		fmt.Fprintln(w, text.FgRed.Sprintf("%d uncaught error(s) reported by the test process", r.uncaughtErrors))
	}
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "("
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s", k, params[k])
	}
	return out + ")"
}
