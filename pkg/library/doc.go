// Package library owns scanner templates: YAML files on disk plus
// metadata in Redis.
//
// Generated templates live under ai/, one family per CVE: the initial
// generation at {cve}.yaml and refinements beside it as {cve}.r{n}.yaml.
// Uploaded templates live under custom/, named by content hash so that
// re-uploading identical content is idempotent. Every write is
// temp-file-then-rename, so a reader never sees a half-written template.
//
// The filesystem is the source of truth. Init reconciles metadata with
// the files actually present: orphaned metadata is dropped and files
// without metadata are re-indexed as unvalidated, which makes the library
// survive a wiped Redis.
package library
