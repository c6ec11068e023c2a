package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/store"
)

const (
	// DefaultLease is how long a claimed task stays assigned to a worker.
	DefaultLease = 5 * time.Minute

	// retryDelay is the fixed back-off before a failed task becomes eligible
	// again. The delay is deliberately constant rather than exponential: the
	// queue retries at most twice, so a growing delay buys nothing.
	retryDelay = 60 * time.Second
)

// summaryKeys are the tier-3 fields promoted to the parent document and
// stripped from the stored chunk metadata.
var summaryKeys = []string{"summary", "summary_short", "summary_medium", "summary_long"}

// Store is the persistence surface the queue service needs.
type Store interface {
	ClaimTask(ctx context.Context, workerID string, lease time.Duration) (*store.Task, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	CompleteTask(ctx context.Context, taskID string, chunk *store.ChunkResultUpdate, doc *store.DocSummaryUpdate) error
	RetryTask(ctx context.Context, taskID string, delay time.Duration) error
	DeadLetterTask(ctx context.Context, taskID, documentID string, chunkIndex int, errorBlob json.RawMessage) error
	RecoverStaleTasks(ctx context.Context) (int, error)
	TaskQueueStats(ctx context.Context, collection, textFilter string) (*store.QueueStats, error)
	ClearTasks(ctx context.Context, collection, textFilter string) (int, error)
	GetDocumentByBaseID(ctx context.Context, baseID, collection string) (*store.Document, error)
	ChunksByDocument(ctx context.Context, documentID string) ([]store.Chunk, error)
	MergeEntities(ctx context.Context, documentID string, entities []store.ExtractedEntity, rels []store.ExtractedRelationship) error
	EnrichmentStatusByBase(ctx context.Context, baseID, collection string) (map[string]int, error)
}

// Service owns the worker protocol.
type Service struct {
	store Store
	lease time.Duration
}

// New constructs the queue Service.
func New(st Store, lease time.Duration) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("enrich: store must not be nil")
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Service{store: st, lease: lease}, nil
}

// Claimed is the response to a successful claim: the task payload plus the
// fresh text of all chunks of the payload's document, which workers need to
// compute document-level summaries.
type Claimed struct {
	TaskID      string          `json:"taskId"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	LeasedUntil time.Time       `json:"leasedUntil"`
	Payload     json.RawMessage `json:"payload"`
	// DocumentChunks is the current text of every chunk of the document, in
	// index order.
	DocumentChunks []string `json:"documentChunks"`
}

// Claim leases the oldest eligible task for workerID. Returns nil when the
// queue is empty.
func (s *Service) Claim(ctx context.Context, workerID string) (*Claimed, error) {
	task, err := s.store.ClaimTask(ctx, workerID, s.lease)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	claimed := &Claimed{
		TaskID:      task.ID,
		Attempt:     task.Attempt,
		MaxAttempts: task.MaxAttempts,
		Payload:     task.Payload,
	}
	if task.LeasedUntil != nil {
		claimed.LeasedUntil = *task.LeasedUntil
	}

	var payload store.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err == nil && payload.BaseID != "" {
		doc, derr := s.store.GetDocumentByBaseID(ctx, payload.BaseID, payload.Collection)
		if derr == nil {
			chunks, cerr := s.store.ChunksByDocument(ctx, doc.ID)
			if cerr == nil {
				for _, c := range chunks {
					claimed.DocumentChunks = append(claimed.DocumentChunks, c.Text)
				}
			}
		}
	}

	return claimed, nil
}

// Result is a worker-submitted task result.
type Result struct {
	// ChunkID is the external <baseId>:<index> identifier.
	ChunkID string `json:"chunkId"`
	// Tier2 holds the async NLP metadata.
	Tier2 map[string]any `json:"tier2,omitempty"`
	// Tier3 holds the async LLM metadata. Summary fields are promoted to
	// the document and stripped before storage.
	Tier3 map[string]any `json:"tier3,omitempty"`
	// Entities and Relationships feed the graph tables.
	Entities      []store.ExtractedEntity       `json:"entities,omitempty"`
	Relationships []store.ExtractedRelationship `json:"relationships,omitempty"`
}

// SubmitResult applies a worker result: the chunk becomes enriched with the
// submitted metadata, document summaries are promoted, extracted entities
// are merged, and the task is completed. The whole chunk/document/task write
// happens in one transaction; a malformed chunk id rejects the submission.
func (s *Service) SubmitResult(ctx context.Context, taskID string, res *Result) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	chunkID := res.ChunkID
	if chunkID == "" {
		var payload store.TaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err == nil {
			chunkID = payload.ChunkID
		}
	}
	baseID, index, err := ParseChunkID(chunkID)
	if err != nil {
		return err
	}

	var payload store.TaskPayload
	_ = json.Unmarshal(task.Payload, &payload)

	doc, err := s.store.GetDocumentByBaseID(ctx, baseID, payload.Collection)
	if err != nil {
		return err
	}

	tier3, docUpdate := splitSummaries(res.Tier3, doc.ID)

	chunkUpdate := &store.ChunkResultUpdate{
		DocumentID: doc.ID,
		ChunkIndex: index,
		Tier2Meta:  marshalMeta(res.Tier2),
		Tier3Meta:  marshalMeta(tier3),
	}

	if err := s.store.CompleteTask(ctx, taskID, chunkUpdate, docUpdate); err != nil {
		return err
	}

	if len(res.Entities) > 0 || len(res.Relationships) > 0 {
		if err := s.store.MergeEntities(ctx, doc.ID, res.Entities, res.Relationships); err != nil {
			return err
		}
	}
	return nil
}

// splitSummaries removes the summary fields and the reserved _error key from
// tier3 and builds the document promotion, with summary falling back to
// summary_medium when absent.
func splitSummaries(tier3 map[string]any, documentID string) (map[string]any, *store.DocSummaryUpdate) {
	if tier3 == nil {
		return nil, nil
	}

	stripped := make(map[string]any, len(tier3))
	for k, v := range tier3 {
		stripped[k] = v
	}

	pick := func(key string) string {
		v, _ := stripped[key].(string)
		delete(stripped, key)
		return v
	}

	update := &store.DocSummaryUpdate{DocumentID: documentID}
	update.Summary = pick("summary")
	update.SummaryShort = pick("summary_short")
	update.SummaryMedium = pick("summary_medium")
	update.SummaryLong = pick("summary_long")
	delete(stripped, "_error")

	if update.Summary == "" {
		update.Summary = update.SummaryMedium
	}

	if update.Summary == "" && update.SummaryShort == "" &&
		update.SummaryMedium == "" && update.SummaryLong == "" {
		return stripped, nil
	}
	return stripped, update
}

// marshalMeta serialises a metadata map, mapping nil/empty to SQL NULL.
func marshalMeta(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

// Failure is a worker-submitted failure report.
type Failure struct {
	// Message describes what went wrong.
	Message string `json:"message"`
}

// Fail handles a worker failure report. Below the attempt ceiling the task
// returns to pending after the fixed retry delay; at the ceiling it goes to
// the dead letter state and the chunk records the failure under
// tier3_meta._error.
func (s *Service) Fail(ctx context.Context, taskID string, failure *Failure) (final bool, err error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	if task.Attempt < task.MaxAttempts {
		return false, s.store.RetryTask(ctx, taskID, retryDelay)
	}

	var payload store.TaskPayload
	_ = json.Unmarshal(task.Payload, &payload)

	baseID := payload.BaseID
	index := payload.ChunkIndex
	if payload.ChunkID != "" {
		if b, i, perr := ParseChunkID(payload.ChunkID); perr == nil {
			baseID, index = b, i
		}
	}

	doc, err := s.store.GetDocumentByBaseID(ctx, baseID, payload.Collection)
	if err != nil {
		return false, err
	}

	blob, err := json.Marshal(map[string]any{
		"message":     failure.Message,
		"taskId":      taskID,
		"attempt":     task.Attempt,
		"maxAttempts": task.MaxAttempts,
		"final":       true,
		"failedAt":    time.Now().UTC().Format(time.RFC3339),
		"chunkIndex":  index,
	})
	if err != nil {
		return false, fmt.Errorf("enrich: marshal error blob: %w", err)
	}

	return true, s.store.DeadLetterTask(ctx, taskID, doc.ID, index, blob)
}

// RecoverStale releases expired leases back to pending. Attempt counters are
// untouched — a crashed worker is not the task's fault.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	return s.store.RecoverStaleTasks(ctx)
}

// Stats returns task and chunk status counts, optionally narrowed by
// collection and a free-text filter.
func (s *Service) Stats(ctx context.Context, collection, textFilter string) (*store.QueueStats, error) {
	return s.store.TaskQueueStats(ctx, collection, textFilter)
}

// StatusResponse reports one document's enrichment progress.
type StatusResponse struct {
	BaseID string `json:"baseId"`
	// Counts maps enrichment status to chunk count.
	Counts map[string]int `json:"counts"`
	// Status is the aggregate: enriched when every chunk is, failed when any
	// failed, processing/pending while work remains, else none.
	Status string `json:"status"`
}

// Status reports the enrichment state of a document by base id.
func (s *Service) Status(ctx context.Context, baseID, collection string) (*StatusResponse, error) {
	counts, err := s.store.EnrichmentStatusByBase(ctx, baseID, collection)
	if err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return nil, errs.New(errs.KindNotFound, "document %q not found", baseID)
	}

	return &StatusResponse{
		BaseID: baseID,
		Counts: counts,
		Status: aggregateStatus(counts),
	}, nil
}

// aggregateStatus folds per-chunk counts into one document-level status.
func aggregateStatus(counts map[string]int) string {
	total := 0
	for _, n := range counts {
		total += n
	}
	switch {
	case total == 0:
		return store.EnrichmentNone
	case counts[store.EnrichmentFailed] > 0:
		return store.EnrichmentFailed
	case counts[store.EnrichmentEnriched] == total:
		return store.EnrichmentEnriched
	case counts[store.EnrichmentProcessing] > 0:
		return store.EnrichmentProcessing
	case counts[store.EnrichmentPending] > 0:
		return store.EnrichmentPending
	default:
		return store.EnrichmentNone
	}
}

// Clear deletes queued (pending, processing, dead) tasks for a collection.
// Completed tasks always survive.
func (s *Service) Clear(ctx context.Context, collection, textFilter string) (int, error) {
	return s.store.ClearTasks(ctx, collection, textFilter)
}
