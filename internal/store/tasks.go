package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mfittko/rag-stack/internal/errs"
)

// taskSelect is the shared task column list.
const taskSelect = `
SELECT id, queue, status, payload, attempt, max_attempts, run_after,
       leased_until, COALESCE(worker_id, ''), created_at, completed_at
FROM tasks`

// scanTask scans the taskSelect column list.
func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Queue, &t.Status, &t.Payload, &t.Attempt,
		&t.MaxAttempts, &t.RunAfter, &t.LeasedUntil, &t.WorkerID,
		&t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnqueueTasks inserts one pending task per payload within a single
// transaction and flips the corresponding chunk rows (by primary key) to
// pending. Callers batch payloads (the ingestion service uses pages of at
// most 100); chunkIDs is parallel to payloads.
func (s *Store) EnqueueTasks(ctx context.Context, payloads []TaskPayload, chunkIDs []string) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	if len(chunkIDs) != len(payloads) {
		return 0, fmt.Errorf("store: enqueue: %d payloads but %d chunk ids", len(payloads), len(chunkIDs))
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO tasks (id, queue, status, payload, attempt, max_attempts, run_after)
VALUES ($1, $2, 'pending', $3, 1, 3, now())`

		for i := range payloads {
			body, err := json.Marshal(&payloads[i])
			if err != nil {
				return fmt.Errorf("store: marshal task payload: %w", err)
			}
			if _, err := tx.Exec(ctx, q, uuid.NewString(), QueueEnrichment, body); err != nil {
				return fmt.Errorf("store: enqueue task: %w", err)
			}
		}

		const mark = `UPDATE chunks SET enrichment_status = 'pending' WHERE id = ANY($1)`
		if _, err := tx.Exec(ctx, mark, chunkIDs); err != nil {
			return fmt.Errorf("store: mark enqueued chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// ClaimTask atomically leases the oldest eligible pending task for workerID.
// The SKIP LOCKED row selection lets many workers claim concurrently without
// head-of-line blocking. Returns nil when the queue is empty.
func (s *Store) ClaimTask(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	const q = `
WITH next AS (
    SELECT id FROM tasks
    WHERE  queue = $1 AND status = 'pending' AND run_after <= now()
    ORDER  BY priority DESC, created_at, id
    LIMIT  1
    FOR UPDATE SKIP LOCKED
)
UPDATE tasks t
SET    status = 'processing', leased_until = now() + make_interval(secs => $2), worker_id = $3
FROM   next
WHERE  t.id = next.id
RETURNING t.id, t.queue, t.status, t.payload, t.attempt, t.max_attempts,
          t.run_after, t.leased_until, COALESCE(t.worker_id, ''), t.created_at, t.completed_at`

	task, err := scanTask(s.pool.QueryRow(ctx, q, QueueEnrichment, lease.Seconds(), workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim task: %w", err)
	}

	// Reflect the lease on the chunk so status reads show "processing".
	var p TaskPayload
	if err := json.Unmarshal(task.Payload, &p); err == nil && p.BaseID != "" {
		const mark = `
UPDATE chunks c
SET    enrichment_status = 'processing'
FROM   documents d
WHERE  d.id = c.document_id AND d.base_id = $1 AND c.chunk_index = $2
  AND  c.enrichment_status = 'pending'`
		if _, err := s.pool.Exec(ctx, mark, p.BaseID, p.ChunkIndex); err != nil {
			return nil, fmt.Errorf("store: mark claimed chunk: %w", err)
		}
	}

	return task, nil
}

// GetTask returns one task by id, mapping no-rows to TASK_NOT_FOUND.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New(errs.KindTaskNotFound, "task %s not found", id)
		}
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return task, nil
}

// ChunkResultUpdate is the chunk-side effect of a successful task.
type ChunkResultUpdate struct {
	DocumentID string
	ChunkIndex int
	Tier2Meta  json.RawMessage
	Tier3Meta  json.RawMessage
}

// DocSummaryUpdate promotes worker-submitted summaries to the document row.
// Empty fields leave the existing value untouched.
type DocSummaryUpdate struct {
	DocumentID    string
	Summary       string
	SummaryShort  string
	SummaryMedium string
	SummaryLong   string
}

// CompleteTask applies a successful worker result in one transaction: the
// chunk is marked enriched with its tier-2/3 metadata, submitted summaries
// are promoted to the parent document, and the task is closed.
func (s *Store) CompleteTask(ctx context.Context, taskID string, chunk *ChunkResultUpdate, doc *DocSummaryUpdate) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		const chunkQ = `
UPDATE chunks
SET    enrichment_status = 'enriched', enriched_at = now(),
       tier2_meta = $3, tier3_meta = $4
WHERE  document_id = $1 AND chunk_index = $2`
		tag, err := tx.Exec(ctx, chunkQ,
			chunk.DocumentID, chunk.ChunkIndex, chunk.Tier2Meta, chunk.Tier3Meta)
		if err != nil {
			return fmt.Errorf("store: complete task chunk update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.New(errs.KindNotFound, "chunk %s:%d not found", chunk.DocumentID, chunk.ChunkIndex)
		}

		if doc != nil {
			const docQ = `
UPDATE documents
SET    summary        = COALESCE(NULLIF($2, ''), summary),
       summary_short  = COALESCE(NULLIF($3, ''), summary_short),
       summary_medium = COALESCE(NULLIF($4, ''), summary_medium),
       summary_long   = COALESCE(NULLIF($5, ''), summary_long),
       updated_at     = now()
WHERE  id = $1`
			if _, err := tx.Exec(ctx, docQ, doc.DocumentID,
				doc.Summary, doc.SummaryShort, doc.SummaryMedium, doc.SummaryLong); err != nil {
				return fmt.Errorf("store: complete task summary promotion: %w", err)
			}
		}

		const taskQ = `
UPDATE tasks
SET    status = 'completed', completed_at = now(), leased_until = NULL
WHERE  id = $1`
		if _, err := tx.Exec(ctx, taskQ, taskID); err != nil {
			return fmt.Errorf("store: complete task close: %w", err)
		}
		return nil
	})
}

// RetryTask returns a failed task to pending with the attempt counter
// bumped, eligible again after delay.
func (s *Store) RetryTask(ctx context.Context, taskID string, delay time.Duration) error {
	const q = `
UPDATE tasks
SET    status = 'pending', attempt = attempt + 1,
       run_after = now() + make_interval(secs => $2),
       leased_until = NULL, worker_id = NULL
WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, taskID, delay.Seconds()); err != nil {
		return fmt.Errorf("store: retry task: %w", err)
	}
	return nil
}

// DeadLetterTask marks a task dead and records the failure on its chunk in
// one transaction: enrichment_status becomes failed and errorBlob is merged
// into tier3_meta under the reserved _error key.
func (s *Store) DeadLetterTask(ctx context.Context, taskID, documentID string, chunkIndex int, errorBlob json.RawMessage) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		const taskQ = `
UPDATE tasks
SET    status = 'dead', completed_at = now(), leased_until = NULL
WHERE  id = $1`
		if _, err := tx.Exec(ctx, taskQ, taskID); err != nil {
			return fmt.Errorf("store: dead-letter task: %w", err)
		}

		const chunkQ = `
UPDATE chunks
SET    enrichment_status = 'failed',
       tier3_meta = COALESCE(tier3_meta, '{}'::jsonb) || jsonb_build_object('_error', $3::jsonb)
WHERE  document_id = $1 AND chunk_index = $2`
		if _, err := tx.Exec(ctx, chunkQ, documentID, chunkIndex, errorBlob); err != nil {
			return fmt.Errorf("store: dead-letter chunk error record: %w", err)
		}
		return nil
	})
}

// RecoverStaleTasks returns expired-lease tasks to pending without touching
// the attempt counter, restoring liveness after worker crashes.
func (s *Store) RecoverStaleTasks(ctx context.Context) (int, error) {
	const q = `
UPDATE tasks
SET    status = 'pending', leased_until = NULL, worker_id = NULL
WHERE  status = 'processing' AND leased_until < now()`

	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("store: recover stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TaskQueueStats counts tasks by status and chunks by enrichment status,
// optionally narrowed by a text filter over the task payload and chunk
// columns. Invalid tsquery input falls back to ILIKE automatically.
func (s *Store) TaskQueueStats(ctx context.Context, collection, textFilter string) (*QueueStats, error) {
	stats := &QueueStats{Tasks: map[string]int{}, Chunks: map[string]int{}}

	taskRows, err := s.queueStatsTasks(ctx, collection, textFilter, true)
	if err != nil && isTsquerySyntaxErr(err) {
		taskRows, err = s.queueStatsTasks(ctx, collection, textFilter, false)
	}
	if err != nil {
		return nil, err
	}
	stats.Tasks = taskRows

	chunkRows, err := s.queueStatsChunks(ctx, collection, textFilter, true)
	if err != nil && isTsquerySyntaxErr(err) {
		chunkRows, err = s.queueStatsChunks(ctx, collection, textFilter, false)
	}
	if err != nil {
		return nil, err
	}
	stats.Chunks = chunkRows

	return stats, nil
}

// queueStatsTasks counts tasks by status under the optional filters.
func (s *Store) queueStatsTasks(ctx context.Context, collection, textFilter string, withTsquery bool) (map[string]int, error) {
	q := `SELECT status, COUNT(*) FROM tasks WHERE queue = $1`
	args := []any{QueueEnrichment}

	if collection != "" {
		args = append(args, collection)
		q += fmt.Sprintf(` AND payload->>'collection' = $%d`, len(args))
	}
	if textFilter != "" {
		args = append(args, textFilter)
		n := len(args)
		hay := `(payload->>'text' || ' ' || COALESCE(payload->>'source', '') || ' ' ||
                 COALESCE(payload->>'baseId', '') || ' ' || COALESCE(payload->>'docType', ''))`
		if withTsquery {
			q += fmt.Sprintf(` AND (to_tsvector('simple', %s) @@ websearch_to_tsquery('simple', $%d)
                 OR %s ILIKE '%%' || $%d || '%%')`, hay, n, hay, n)
		} else {
			q += fmt.Sprintf(` AND %s ILIKE '%%' || $%d || '%%'`, hay, n)
		}
	}
	q += ` GROUP BY status`

	return s.countByKey(ctx, q, args)
}

// queueStatsChunks counts chunks by enrichment status under the optional filters.
func (s *Store) queueStatsChunks(ctx context.Context, collection, textFilter string, withTsquery bool) (map[string]int, error) {
	q := `
SELECT c.enrichment_status, COUNT(*)
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  true`
	var args []any

	if collection != "" {
		args = append(args, collection)
		q += fmt.Sprintf(` AND d.collection = $%d`, len(args))
	}
	if textFilter != "" {
		args = append(args, textFilter)
		n := len(args)
		hay := `(c.text || ' ' || d.source || ' ' || c.doc_type || ' ' ||
                 COALESCE(d.summary, '') || ' ' || COALESCE(d.summary_short, '') || ' ' ||
                 COALESCE(d.summary_medium, '') || ' ' || COALESCE(d.summary_long, ''))`
		if withTsquery {
			q += fmt.Sprintf(` AND (to_tsvector('simple', %s) @@ websearch_to_tsquery('simple', $%d)
                 OR %s ILIKE '%%' || $%d || '%%')`, hay, n, hay, n)
		} else {
			q += fmt.Sprintf(` AND %s ILIKE '%%' || $%d || '%%'`, hay, n)
		}
	}
	q += ` GROUP BY c.enrichment_status`

	return s.countByKey(ctx, q, args)
}

// countByKey runs a (key, count) aggregation query into a map.
func (s *Store) countByKey(ctx context.Context, q string, args []any) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("store: queue stats scan: %w", err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: queue stats rows: %w", err)
	}
	return out, nil
}

// ClearTasks bulk-deletes pending, processing, and dead tasks for a
// collection. Completed tasks are never deleted here — they are the audit
// trail of applied results.
func (s *Store) ClearTasks(ctx context.Context, collection, textFilter string) (int, error) {
	q := `
DELETE FROM tasks
WHERE  queue = $1 AND status IN ('pending', 'processing', 'dead')`
	args := []any{QueueEnrichment}

	if collection != "" {
		args = append(args, collection)
		q += fmt.Sprintf(` AND payload->>'collection' = $%d`, len(args))
	}
	if textFilter != "" {
		args = append(args, textFilter)
		q += fmt.Sprintf(` AND payload->>'text' ILIKE '%%' || $%d || '%%'`, len(args))
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("store: clear tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
