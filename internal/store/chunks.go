package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mfittko/rag-stack/internal/errs"
)

// ReplaceChunks atomically replaces all chunks of a document: existing rows
// are deleted and the new set inserted in index order within one
// transaction. A vector whose length differs from the configured dimension
// aborts before the transaction starts.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	for i := range chunks {
		if len(chunks[i].Embedding) != s.dim {
			return errs.New(errs.KindVectorDimMismatch,
				"chunk %d has embedding of length %d, configured dimension is %d",
				i, len(chunks[i].Embedding), s.dim)
		}
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("store: delete chunks: %w", err)
		}

		const q = `
INSERT INTO chunks (id, document_id, chunk_index, text, embedding, doc_type, source,
                    path, lang, repo_id, repo_url, item_url, tier1_meta, enrichment_status)
VALUES ($1, $2, $3, $4, $5, $6, $7,
        NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
        COALESCE($13, '{}'::jsonb), $14)`

		for i := range chunks {
			c := &chunks[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.DocumentID = documentID
			status := c.EnrichmentStatus
			if status == "" {
				status = EnrichmentNone
			}
			_, err := tx.Exec(ctx, q,
				c.ID, documentID, c.ChunkIndex, c.Text, pgvector.NewVector(c.Embedding),
				c.DocType, c.Source, c.Path, c.Lang, c.RepoID, c.RepoURL, c.ItemURL,
				c.Tier1Meta, status)
			if err != nil {
				return fmt.Errorf("store: insert chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
}

// chunkSelect is the shared chunk column list (no embedding — reads never
// need the raw vector).
const chunkSelect = `
SELECT c.id, c.document_id, c.chunk_index, c.text, c.doc_type, c.source,
       COALESCE(c.path, ''), COALESCE(c.lang, ''), COALESCE(c.repo_id, ''),
       COALESCE(c.repo_url, ''), COALESCE(c.item_url, ''),
       c.tier1_meta, c.tier2_meta, c.tier3_meta,
       c.enrichment_status, c.enriched_at, c.created_at
FROM chunks c`

// scanChunk scans the chunkSelect column list.
func scanChunk(row pgx.Row) (*Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.DocType, &c.Source,
		&c.Path, &c.Lang, &c.RepoID, &c.RepoURL, &c.ItemURL,
		&c.Tier1Meta, &c.Tier2Meta, &c.Tier3Meta,
		&c.EnrichmentStatus, &c.EnrichedAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChunksByDocument returns all chunks of a document in index order.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	q := chunkSelect + ` WHERE c.document_id = $1 ORDER BY c.chunk_index`

	rows, err := s.pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: chunks by document: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("store: chunks scan: %w", err)
		}
		chunks = append(chunks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunks rows: %w", err)
	}
	return chunks, nil
}

// ChunkByIndex returns one chunk addressed by document and index.
func (s *Store) ChunkByIndex(ctx context.Context, documentID string, index int) (*Chunk, error) {
	q := chunkSelect + ` WHERE c.document_id = $1 AND c.chunk_index = $2`

	c, err := scanChunk(s.pool.QueryRow(ctx, q, documentID, index))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, "chunk %s:%d not found", documentID, index)
		}
		return nil, fmt.Errorf("store: chunk by index: %w", err)
	}
	return c, nil
}

// ChunkRefsPage returns up to limit chunk refs of a document ordered by
// (document_id, chunk_index), starting strictly after afterIndex. Pass -1 to
// begin at the first chunk. Used to paginate enrichment enqueue so large
// documents never load all chunks at once.
func (s *Store) ChunkRefsPage(ctx context.Context, documentID string, afterIndex, limit int) ([]ChunkRef, error) {
	const q = `
SELECT c.id, c.document_id, c.chunk_index, c.text, c.doc_type, c.source, c.tier1_meta
FROM   chunks c
WHERE  c.document_id = $1 AND c.chunk_index > $2
ORDER  BY c.document_id, c.chunk_index
LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, documentID, afterIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("store: chunk refs page: %w", err)
	}
	defer rows.Close()

	var refs []ChunkRef
	for rows.Next() {
		var r ChunkRef
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ChunkIndex, &r.Text, &r.DocType, &r.Source, &r.Tier1Meta); err != nil {
			return nil, fmt.Errorf("store: chunk refs scan: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunk refs rows: %w", err)
	}
	return refs, nil
}
