// Package events provides an in-process broker that fans job lifecycle,
// scan progress, and pipeline notifications out to subscribers. Slow
// subscribers are skipped rather than blocking the publisher.
package events
