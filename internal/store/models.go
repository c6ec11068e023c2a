// Package store persists documents, chunks, enrichment tasks, and the
// entity graph in Postgres. The chunk embedding column uses pgvector with a
// cosine index; all task queue operations rely on row-level locking
// (FOR UPDATE SKIP LOCKED), so no in-process locks are held across queries.
package store

import (
	"encoding/json"
	"time"
)

// Enrichment status values carried on chunks.
const (
	EnrichmentNone       = "none"
	EnrichmentPending    = "pending"
	EnrichmentProcessing = "processing"
	EnrichmentEnriched   = "enriched"
	EnrichmentFailed     = "failed"
)

// Task status values.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskDead       = "dead"
)

// QueueEnrichment is the single queue name used by the service.
const QueueEnrichment = "enrichment"

// Document is a logical source ingested once per (collection, identity_key).
type Document struct {
	ID            string
	BaseID        string
	Collection    string
	Source        string
	IdentityKey   string
	MimeType      string
	Summary       string
	SummaryShort  string
	SummaryMedium string
	SummaryLong   string
	// RawData holds the raw payload inline when below the blob threshold.
	RawData []byte
	// RawKey references the blob store object when the payload was off-loaded.
	RawKey string
	// PayloadChecksum is the sha256 hex of the ingested text, stable across
	// identical payloads.
	PayloadChecksum string
	IngestedAt      time.Time
	UpdatedAt       time.Time
	LastSeen        time.Time
}

// Chunk is one embedded fragment of a document.
type Chunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	Embedding  []float32
	DocType    string
	Source     string
	Path       string
	Lang       string
	RepoID     string
	RepoURL    string
	ItemURL    string
	// Tier1Meta holds synchronous extraction output. Never nil after ingest.
	Tier1Meta json.RawMessage
	// Tier2Meta and Tier3Meta hold async enrichment output; nil until enriched.
	Tier2Meta        json.RawMessage
	Tier3Meta        json.RawMessage
	EnrichmentStatus string
	EnrichedAt       *time.Time
	CreatedAt        time.Time
}

// Task is one unit of enrichment work.
type Task struct {
	ID          string
	Queue       string
	Status      string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	RunAfter    time.Time
	LeasedUntil *time.Time
	WorkerID    string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TaskPayload is the JSON stored in tasks.payload.
type TaskPayload struct {
	ChunkID    string          `json:"chunkId"`
	BaseID     string          `json:"baseId"`
	ChunkIndex int             `json:"chunkIndex"`
	Collection string          `json:"collection"`
	DocType    string          `json:"docType"`
	Text       string          `json:"text"`
	Source     string          `json:"source"`
	Tier1Meta  json.RawMessage `json:"tier1Meta,omitempty"`
}

// SearchResult is one query hit: a chunk joined to its document.
type SearchResult struct {
	Chunk Chunk
	// Score is the cosine similarity (1 - cosine distance) for semantic hits;
	// 1.0 for metadata/fulltext hits.
	Score float64
	// Document carries the joined document-level fields.
	Document Document
}

// ChunkRef identifies a chunk for keyset pagination during enqueue.
type ChunkRef struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	DocType    string
	Source     string
	Tier1Meta  json.RawMessage
}

// Entity is one node of the extracted graph.
type Entity struct {
	ID          string
	Name        string
	Type        string
	Description string
}

// CollectionStat is a per-collection document/chunk count.
type CollectionStat struct {
	Collection string `json:"collection"`
	Documents  int    `json:"documents"`
	Chunks     int    `json:"chunks"`
}

// QueueStats counts tasks by status and chunks by enrichment status.
type QueueStats struct {
	Tasks  map[string]int `json:"tasks"`
	Chunks map[string]int `json:"chunks"`
}
