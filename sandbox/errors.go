package sandbox

import "errors"

// Failure classes of a job. Callers match them with errors.Is; the concrete
// error wraps the cause for diagnostics.
var (
	ErrUnknownLanguage   = errors.New("unknown language")
	ErrInvalidVersion    = errors.New("invalid image version")
	ErrInvalidMode       = errors.New("invalid execution mode")
	ErrWrite             = errors.New("artifact write failed")
	ErrPullTimeout       = errors.New("image pull timed out")
	ErrPull              = errors.New("image pull failed")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrExecutionRuntime  = errors.New("execution failed")
	ErrExecutionCanceled = errors.New("execution canceled")
)

// Kind names reported to clients
const (
	KindValidation        = "ValidationError"
	KindWrite             = "WriteError"
	KindPullTimeout       = "PullTimeout"
	KindPull              = "PullError"
	KindExecutionTimeout  = "ExecutionTimeout"
	KindExecutionRuntime  = "ExecutionRuntimeError"
	KindExecutionCanceled = "ExecutionCanceled"
	KindInternal          = "InternalError"
)

// KindOf maps an error produced by this package to its client-facing kind.
// PullTimeout is checked before PullError so a timed-out pull is never
// reported as a missing image.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownLanguage),
		errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrInvalidMode):
		return KindValidation
	case errors.Is(err, ErrWrite):
		return KindWrite
	case errors.Is(err, ErrPullTimeout):
		return KindPullTimeout
	case errors.Is(err, ErrPull):
		return KindPull
	case errors.Is(err, ErrExecutionTimeout):
		return KindExecutionTimeout
	case errors.Is(err, ErrExecutionCanceled):
		return KindExecutionCanceled
	case errors.Is(err, ErrExecutionRuntime):
		return KindExecutionRuntime
	default:
		return KindInternal
	}
}
