// Package pipeline drives template synthesis end to end: fetch recent
// CVEs, generate candidate templates with the model, store them in the
// library, validate each one against the reference target, and refine
// failures until they pass or the refinement budget runs out.
//
// The stages are scheduler jobs. Fetch fans out one generation job per
// novel CVE as a group whose callback is the store stage; store fans out
// one validation job per stored template; a failed validation chains into
// a refinement which re-enters validation. A run record in Redis tracks
// the batch and an outstanding-validation counter; when the counter hits
// zero the run and its root job close. Counters for generated, validated,
// failed, refined, and exhausted templates accumulate globally and per
// CVE and only ever go up.
package pipeline
