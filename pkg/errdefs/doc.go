/*
Package errdefs defines the error taxonomy shared by every Scanforge
component.

Each sentinel maps to one failure class from the orchestration core:
caller errors (InvalidInput, InvalidTarget, NotFound), transient
infrastructure failures (RuntimeUnavailable, LLMUnavailable, KVUnavailable,
Timeout), and terminal task outcomes (InvalidOutput, LoopDetected,
WorkerLost, Cancelled). The scheduler consults Retryable to decide whether
a failed attempt re-enters the queue, and Kind produces the stable string
persisted in job records and surfaced to API collaborators.

Errors are always wrapped, never replaced:

	if !ok {
		return errdefs.Wrapf(errdefs.ErrInvalidTarget, "target %q", target)
	}
*/
package errdefs
