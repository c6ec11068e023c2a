// Package filter compiles the structured filter DSL into parameterised SQL
// fragments. Field names and operators are validated against a closed
// allow-list; caller-supplied values only ever reach the database through
// positional placeholders.
package filter

// Op is a filter operator name as it appears on the wire.
type Op string

// Supported operators.
const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpBetween    Op = "between"
	OpNotBetween Op = "notBetween"
	OpIsNull     Op = "isNull"
	OpIsNotNull  Op = "isNotNull"
)

// opSet is a set of allowed operators for one field.
type opSet map[Op]bool

// equalityOps suit string-valued columns.
var equalityOps = opSet{
	OpEq: true, OpNe: true, OpIn: true, OpNotIn: true,
	OpIsNull: true, OpIsNotNull: true,
}

// orderedOps suit timestamps and numbers: everything equality allows plus
// range comparisons.
var orderedOps = opSet{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpBetween: true, OpNotBetween: true,
	OpIsNull: true, OpIsNotNull: true,
}

// fieldSpec binds one logical field name to its physical column.
type fieldSpec struct {
	// alias is the fixed table alias: "c" for chunk columns, "d" for
	// document columns. A logical field binds to exactly one alias.
	alias string
	// column is the physical column name.
	column string
	// ops is the set of operators allowed on this field.
	ops opSet
	// prefixMatch rewrites eq/ne to a LIKE prefix match (used for path).
	prefixMatch bool
}

// fields is the closed allow-list of logical filter fields. Anything not
// present here is rejected before SQL generation.
var fields = map[string]fieldSpec{
	"collection":       {alias: "d", column: "collection", ops: equalityOps},
	"baseId":           {alias: "d", column: "base_id", ops: equalityOps},
	"mimeType":         {alias: "d", column: "mime_type", ops: equalityOps},
	"ingestedAt":       {alias: "d", column: "ingested_at", ops: orderedOps},
	"updatedAt":        {alias: "d", column: "updated_at", ops: orderedOps},
	"lastSeen":         {alias: "d", column: "last_seen", ops: orderedOps},
	"source":           {alias: "c", column: "source", ops: equalityOps},
	"docType":          {alias: "c", column: "doc_type", ops: equalityOps},
	"lang":             {alias: "c", column: "lang", ops: equalityOps},
	"path":             {alias: "c", column: "path", ops: equalityOps, prefixMatch: true},
	"repoId":           {alias: "c", column: "repo_id", ops: equalityOps},
	"repoUrl":          {alias: "c", column: "repo_url", ops: equalityOps},
	"itemUrl":          {alias: "c", column: "item_url", ops: equalityOps},
	"chunkIndex":       {alias: "c", column: "chunk_index", ops: orderedOps},
	"createdAt":        {alias: "c", column: "created_at", ops: orderedOps},
	"enrichmentStatus": {alias: "c", column: "enrichment_status", ops: equalityOps},
}
