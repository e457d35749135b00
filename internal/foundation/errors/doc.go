// Package errors provides the classified error primitives used across devloop.
//
// Every failure the orchestrator can observe belongs to one category of the
// taxonomy below. The category decides how far a failure propagates: step,
// write, reload and process failures stay local to a build cycle, a watch
// failure ends the watch session.
//
//   - CategoryStep: an external build step exited non-zero
//   - CategoryWatch: the filesystem change feed broke (fatal)
//   - CategoryWrite: the output store could not replace or remove a file
//   - CategoryReload: one live reload client channel broke
//   - CategoryProcess: the served binary failed to start or stop
//
// Example usage:
//
//	err := errors.StepError("frontend step failed").
//		WithStep("frontend").
//		WithContext("exit_status", 101).
//		WithCause(runErr).
//		Build()
//
// No category carries an automatic retry strategy. The next file change, or an
// explicit rebuild request, is the retry mechanism.
package errors
