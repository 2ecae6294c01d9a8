// Package cvefeed pulls recently published CVEs from an NVD-style HTTP
// feed and partitions them by novelty.
//
// Fetch filters by published date over a sliding window (default seven
// days) and normalizes entries into CVERecord values. FilterNovel marks
// each record seen in Redis under cve:{id} with a TTL (default 24h);
// records already cached are dropped, so a pipeline run only works on
// CVEs it has not processed recently. Feed requests run behind a circuit
// breaker: after consecutive failures the client fails fast until the
// upstream recovers.
package cvefeed
