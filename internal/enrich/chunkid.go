// Package enrich implements the worker-facing half of the enrichment queue:
// claim under lease, submit result, report failure, recover stale leases,
// plus queue introspection. Task state lives in Postgres (see store); this
// package owns the protocol semantics.
package enrich

import (
	"strconv"
	"strings"

	"github.com/mfittko/rag-stack/internal/errs"
)

// ParseChunkID splits an external chunk identifier of the form
// <baseId>:<index>. The base id may itself contain colons, so the split
// happens at the last one. The index must be a non-negative integer.
func ParseChunkID(chunkID string) (baseID string, index int, err error) {
	cut := strings.LastIndex(chunkID, ":")
	if cut <= 0 || cut == len(chunkID)-1 {
		return "", 0, errs.New(errs.KindChunkIDInvalid, "chunk id %q is not <baseId>:<index>", chunkID)
	}

	baseID = chunkID[:cut]
	index, convErr := strconv.Atoi(chunkID[cut+1:])
	if convErr != nil || index < 0 {
		return "", 0, errs.New(errs.KindChunkIDInvalid, "chunk id %q has an invalid index", chunkID)
	}
	return baseID, index, nil
}
