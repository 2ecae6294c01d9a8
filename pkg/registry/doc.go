// Package registry is the single source of truth for job lifecycle,
// backed by Redis.
//
// Jobs are stored as JSON blobs keyed job:{id}, indexed by creation time
// for reaping and by parent for pipeline trees. Transition is a
// compare-and-set over the job key using Redis WATCH: the legal state
// edges from pkg/types are enforced inside the transaction, so an illegal
// transition fails without mutating anything, and a concurrent writer
// forces a bounded retry.
//
// Per-job logs spill to the key-value store in 64 KiB pages keyed
// joblog:{id}:{page}, capped at 8 MiB per job with ring-buffer eviction of
// the oldest pages. Readers address the log by absolute stream offset,
// which survives eviction: an offset that fell out of the window is
// clamped forward to the earliest retained byte.
//
// Workers register themselves and refresh a liveness key on every
// heartbeat. RecoverLost, run at process startup, fails the running jobs
// of any worker whose liveness key expired, so a crashed process never
// strands jobs in the running state.
package registry
