// Package metrics provides the observability hooks of a devloop session.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	sched := scheduler.New(cfg, steps, store) // records nothing
//	sched.WithRecorder(metrics.NewPrometheusRecorder(reg))
//
// The Prometheus implementation is served on the reload server's /metrics
// endpoint through HTTPHandler.
package metrics
