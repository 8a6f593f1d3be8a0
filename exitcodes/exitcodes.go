// Package exitcodes defines the standard exit codes used by the testing CLI.
package exitcodes

// Exit code constants used when the CLI terminates:
//
//   - Success (0): The test command exited 0, no uncaught errors were reported
//     and no evaluation failed (or failing on evaluations was not requested)
//   - Failure (1): An uncaught error was reported by the test SDK, or an
//     evaluation resolved to FALSE and --fail-on-evaluation-failure was set
//
// In all other cases the CLI mirrors the test command's own exit code.
const (
	Success = 0
	Failure = 1
)
