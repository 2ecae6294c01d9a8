// Package llm generates and repairs scanner templates through an
// Ollama-style model endpoint.
//
// Generate posts a prompt with deterministic sampling (low temperature,
// caller-fixed seed) and runs behind a circuit breaker. The package also
// owns the prompt texts, the extraction of the first YAML block from a
// model response that insists on markdown fences, and the structural
// parse-validation of a produced template: well-formed YAML, id and info
// fields present, at least one request block, and an id that matches the
// CVE being covered.
package llm
