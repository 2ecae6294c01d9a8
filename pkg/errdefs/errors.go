package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the core taxonomy. Callers classify failures with
// errors.Is (or the matcher helpers) and wrap with fmt.Errorf("...: %w", ...)
// so the kind survives propagation through task boundaries.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("timeout")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrLLMUnavailable     = errors.New("llm unavailable")
	ErrKVUnavailable      = errors.New("kv store unavailable")
	ErrInvalidOutput      = errors.New("invalid output")
	ErrLoopDetected       = errors.New("loop detected")
	ErrWorkerLost         = errors.New("worker lost")
	ErrCancelled          = errors.New("cancelled")
	ErrQueueFull          = errors.New("queue full")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrImageMissing       = errors.New("image missing")
	ErrInvalidTarget      = errors.New("invalid target")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFeedUnavailable    = errors.New("cve feed unavailable")
)

func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
func IsRuntimeUnavailable(err error) bool { return errors.Is(err, ErrRuntimeUnavailable) }
func IsLLMUnavailable(err error) bool     { return errors.Is(err, ErrLLMUnavailable) }
func IsKVUnavailable(err error) bool      { return errors.Is(err, ErrKVUnavailable) }
func IsInvalidOutput(err error) bool      { return errors.Is(err, ErrInvalidOutput) }
func IsLoopDetected(err error) bool       { return errors.Is(err, ErrLoopDetected) }
func IsWorkerLost(err error) bool         { return errors.Is(err, ErrWorkerLost) }
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
func IsQueueFull(err error) bool          { return errors.Is(err, ErrQueueFull) }
func IsIllegalTransition(err error) bool  { return errors.Is(err, ErrIllegalTransition) }
func IsImageMissing(err error) bool       { return errors.Is(err, ErrImageMissing) }
func IsInvalidTarget(err error) bool      { return errors.Is(err, ErrInvalidTarget) }
func IsResourceExhausted(err error) bool  { return errors.Is(err, ErrResourceExhausted) }
func IsFeedUnavailable(err error) bool    { return errors.Is(err, ErrFeedUnavailable) }

// Retryable reports whether the error class is transient infrastructure
// failure that the scheduler may retry with backoff.
func Retryable(err error) bool {
	switch {
	case IsRuntimeUnavailable(err), IsLLMUnavailable(err), IsKVUnavailable(err), IsFeedUnavailable(err), IsTimeout(err):
		return true
	}
	return false
}

// Kind returns the taxonomy name for an error, used when persisting the
// error_kind field of a job record. Unclassified errors report "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsInvalidTarget(err):
		return "InvalidTarget"
	case IsInvalidInput(err):
		return "InvalidInput"
	case IsNotFound(err):
		return "NotFound"
	case IsTimeout(err):
		return "Timeout"
	case IsRuntimeUnavailable(err):
		return "RuntimeUnavailable"
	case IsLLMUnavailable(err):
		return "LLMUnavailable"
	case IsKVUnavailable(err):
		return "KVUnavailable"
	case IsInvalidOutput(err):
		return "InvalidOutput"
	case IsLoopDetected(err):
		return "LoopDetected"
	case IsWorkerLost(err):
		return "WorkerLost"
	case IsCancelled(err):
		return "Cancelled"
	case IsQueueFull(err):
		return "QueueFull"
	case IsIllegalTransition(err):
		return "IllegalTransition"
	case IsImageMissing(err):
		return "ImageMissing"
	case IsResourceExhausted(err):
		return "ResourceExhausted"
	case IsFeedUnavailable(err):
		return "FeedUnavailable"
	default:
		return "internal"
	}
}

// Wrapf attaches a sentinel kind to err while keeping the original message
// chain intact.
func Wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
