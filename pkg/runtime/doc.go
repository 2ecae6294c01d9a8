// Package runtime launches and manages scanner containers on containerd.
//
// Each scan runs in a dedicated container named with the nuclei_scan_
// prefix. Launch validates the target, resolves the image (pulling it when
// absent), applies resource limits through OCI spec options, and starts the
// task with its stdout and stderr wired to per-container log files. The
// returned Handle is the sole reference to the container: Wait blocks until
// exit or deadline, StreamLogs tails the log files from a per-stream
// high-water-mark so a reconnecting consumer resumes where it left off, and
// Destroy tears everything down idempotently.
//
// The Reaper runs in the background and covers the cases the owning job
// cannot: containers whose grace period after finishing has expired, and
// orphans left behind by a previous process, found by listing containers
// carrying the scan prefix at startup.
//
// Target validation is strict by construction. Accepted forms are http(s)
// URLs without embedded credentials, bare hostnames, single IP addresses,
// CIDR blocks, and inclusive A-B address ranges; anything else is rejected
// before a container exists.
package runtime
