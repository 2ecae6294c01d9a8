/*
Package metrics defines the Prometheus collectors for the orchestration
core: scan outcomes and durations, queue depth and task throughput, the
synthesis pipeline counters, and LLM request latency. Collectors are
registered at init; the scrape endpoint is owned by the API collaborator.
The pipeline counters are additionally mirrored into Redis
(metrics:pipeline:{counter}) so they survive process restarts.
*/
package metrics
