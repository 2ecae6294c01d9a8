// Package manager is the service facade. It ties scan submission,
// template upload, job inspection, log streaming, cancellation, and
// pipeline control into one API that transports can wrap without
// knowing the scheduler, registry, or library underneath.
package manager
