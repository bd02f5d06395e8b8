// Package s3store is an S3 backend for the graft engine.
//
// Every entry is one JSON object under
//
//	<prefix>entries/<family>/<key>.json
//
// with its creation and update timestamps kept in object metadata. Keys are
// uuids generated ahead of the write. S3 has no query surface, so every
// lookup other than by key goes through index objects:
//
//	<prefix>associations/<index>/<owner>.json   ordered list of related keys
//	<prefix>values/<index>/<hash>.json          owners holding one property value
//
// Index objects are rewritten with conditional puts (If-Match/If-None-Match)
// and retried when another writer got there first. Objects of versioned
// entities are only overwritten when their ETag still matches the one they
// were read or last written with.
package s3store
