// Package ingest orchestrates the ingestion pipeline: resolve (fetching
// URLs when needed), classify, extract tier-1 metadata, chunk, embed,
// upsert, and enqueue enrichment work. Fetch and resolution failures are
// collected per item and never abort the batch; an embedding or storage
// failure aborts the remaining items.
package ingest

import (
	"net/url"
	"strings"
)

// IdentityKey canonicalises a source into the deduplication key used by the
// (collection, identity_key) uniqueness constraint. URLs keep only their
// origin and path — query string and fragment never make a source a new
// document. Non-URL sources are used verbatim.
func IdentityKey(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return source
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return source
	}
	return scheme + "://" + strings.ToLower(u.Host) + u.Path
}
