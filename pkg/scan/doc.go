// Package scan executes scan-kind jobs end to end.
//
// The executor implements the dispatch contract for the scans queue:
// launch the scanner container, pump its output through the parser while
// appending raw bytes to the job log and persisting findings, wait for
// exit under the scan deadline, and destroy the container no matter how
// the run ended. The job result is a ScanOutcome classifying the run as
// completed, no_results, loop_detected, timeout, or runtime_error.
//
// Loop detection cuts a run short: when the parser trips the repetition
// guard the executor cancels the wait, destroys the container, and
// reports loop_detected instead of letting the scan burn its full
// deadline.
package scan
