// Package scheduler dispatches jobs from named Redis queues to worker
// pools and composes them into multi-stage pipelines.
//
// Each queue (scans, pipeline, generate, validate, refine) is a Redis
// list with its own concurrency limit; items are FIFO within a queue and
// unordered across queues. Submit fails fast with QueueFull once a queue
// passes its soft cap. A worker pops an item, marks the job running,
// invokes the handler registered for the job's kind, and drives the job
// to success, failure, retrying, or cancelled.
//
// Retryable failures with budget left are parked on a per-queue delayed
// set until min(cap, base * 2^(n-1)) + jitter elapses, then re-queued
// with the attempt counter bumped. Workers refresh a liveness marker
// every heartbeat interval; on startup the scheduler fails the running
// jobs of any worker whose marker expired.
//
// Composition state lives in Redis, so completion hooks fire on whichever
// worker finishes a member. A chain runs links sequentially, feeding each
// link's result to the next as payload; any failure aborts the remainder
// and fails the chain root. A group fans out members, completes when all
// have finished, succeeds iff every member succeeded, and optionally
// dispatches a callback with the vector of member results.
//
// Cancellation is cooperative: queued work is cancelled in place, running
// work has its handler context cancelled, and the request propagates to
// descendants through the registry's parent links.
package scheduler
