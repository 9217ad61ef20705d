// Package dispatcher orchestrates code-execution jobs.
//
// A job is validated, its artifact written and its image pulled
// concurrently, and only when both succeeded is its container run in the
// requested mode. Every step is reported to the submitting session, in
// order:
//
//	sse-pull-start, sse-pull-end, sse-run-start,
//	sse-result (buffered) or sse-result-chunk... (streaming),
//	sse-run-end
//
// A failure before the container starts is reported as a single sse-error
// and ends the job. A timed-out or canceled run reports sse-error followed
// by sse-run-end.
package dispatcher
