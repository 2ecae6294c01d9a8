/*
Package nuclei translates raw scanner output into typed events.

The parser consumes the scanner's stdout/stderr line stream and yields one
of four event kinds: Finding (a template match, deduplicated by stable
finding id), Progress (well-known informational lines mapped to a fixed,
monotonic percent table), Raw (everything else), and LoopDetected (a
terminal event fired when the recent window of output repeats itself).

The parser does no I/O, so a stream can be replayed from any byte offset
without side effects; dedup makes the replay idempotent. Both the JSON
line format (-j) and the bracketed text grammar are understood.
*/
package nuclei
