package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/mfittko/rag-stack/internal/filter"
)

// pgTsquerySyntaxError is the SQLSTATE Postgres raises for malformed
// tsquery input; the full-text search retries with ILIKE only when it sees it.
const pgTsquerySyntaxError = "42601"

// searchSelect joins chunks to their documents for result shaping.
const searchSelect = `
SELECT c.id, c.document_id, c.chunk_index, c.text, c.doc_type, c.source,
       COALESCE(c.path, ''), COALESCE(c.lang, ''), COALESCE(c.repo_id, ''),
       COALESCE(c.repo_url, ''), COALESCE(c.item_url, ''),
       c.tier1_meta, c.tier2_meta, c.tier3_meta,
       c.enrichment_status, c.enriched_at, c.created_at,
       d.id, d.base_id, d.collection, d.source, d.mime_type,
       COALESCE(d.summary, ''), COALESCE(d.summary_short, ''),
       COALESCE(d.summary_medium, ''), COALESCE(d.summary_long, ''),
       COALESCE(d.raw_key, ''), (d.raw_data IS NOT NULL), d.payload_checksum, d.updated_at`

// scanSearchRow scans one searchSelect row plus the trailing score column.
func scanSearchRow(rows pgx.Rows) (*SearchResult, error) {
	var r SearchResult
	var hasRaw bool
	err := rows.Scan(
		&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.ChunkIndex, &r.Chunk.Text,
		&r.Chunk.DocType, &r.Chunk.Source, &r.Chunk.Path, &r.Chunk.Lang,
		&r.Chunk.RepoID, &r.Chunk.RepoURL, &r.Chunk.ItemURL,
		&r.Chunk.Tier1Meta, &r.Chunk.Tier2Meta, &r.Chunk.Tier3Meta,
		&r.Chunk.EnrichmentStatus, &r.Chunk.EnrichedAt, &r.Chunk.CreatedAt,
		&r.Document.ID, &r.Document.BaseID, &r.Document.Collection,
		&r.Document.Source, &r.Document.MimeType,
		&r.Document.Summary, &r.Document.SummaryShort,
		&r.Document.SummaryMedium, &r.Document.SummaryLong,
		&r.Document.RawKey, &hasRaw, &r.Document.PayloadChecksum, &r.Document.UpdatedAt,
		&r.Score,
	)
	if err != nil {
		return nil, err
	}
	if hasRaw {
		// Presence marker only; the raw bytes are fetched on demand.
		r.Document.RawData = []byte{1}
	}
	return &r, nil
}

// collectResults drains rows into a result slice.
func collectResults(rows pgx.Rows) ([]SearchResult, error) {
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		r, err := scanSearchRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: search scan: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search rows: %w", err)
	}
	return out, nil
}

// SearchSemantic runs a cosine kNN over chunk embeddings within a
// collection. The score column is the similarity 1 - distance; callers
// apply their minimum-score threshold. Ties break on document id then
// chunk index.
func (s *Store) SearchSemantic(ctx context.Context, collection string, embedding []float32, topK int, frag *filter.Fragment) ([]SearchResult, error) {
	q := searchSelect + `,
       (1 - (c.embedding <=> $1)) AS score
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  d.collection = $2`

	args := []any{pgvector.NewVector(embedding), collection}
	if frag != nil && frag.SQL != "" {
		q += frag.SQL
		args = append(args, frag.Params...)
	}
	q += fmt.Sprintf(`
ORDER BY c.embedding <=> $1, c.document_id, c.chunk_index
LIMIT $%d`, len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: semantic search: %w", err)
	}
	return collectResults(rows)
}

// SearchMetadata scans chunks under the filter only, newest chunks first.
// Every hit scores 1.0.
func (s *Store) SearchMetadata(ctx context.Context, collection string, topK int, frag *filter.Fragment) ([]SearchResult, error) {
	q := searchSelect + `,
       1.0::float8 AS score
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  d.collection = $1`

	args := []any{collection}
	if frag != nil && frag.SQL != "" {
		q += frag.SQL
		args = append(args, frag.Params...)
	}
	q += fmt.Sprintf(`
ORDER BY c.created_at DESC, c.document_id, c.chunk_index
LIMIT $%d`, len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: metadata search: %w", err)
	}
	return collectResults(rows)
}

// SearchFullText combines a websearch tsquery with an ILIKE fallback. When
// Postgres rejects the query text as tsquery syntax it retries with ILIKE
// alone, so hostile or exotic input degrades instead of failing.
func (s *Store) SearchFullText(ctx context.Context, collection, query string, topK int, frag *filter.Fragment) ([]SearchResult, error) {
	results, err := s.fullText(ctx, collection, query, topK, frag, true)
	if err != nil && isTsquerySyntaxErr(err) {
		return s.fullText(ctx, collection, query, topK, frag, false)
	}
	return results, err
}

// fullText runs one full-text scan. withTsquery selects the match predicate.
func (s *Store) fullText(ctx context.Context, collection, query string, topK int, frag *filter.Fragment, withTsquery bool) ([]SearchResult, error) {
	match := `c.text ILIKE '%' || $2 || '%'`
	if withTsquery {
		match = `(to_tsvector('simple', c.text) @@ websearch_to_tsquery('simple', $2)
           OR c.text ILIKE '%' || $2 || '%')`
	}

	q := searchSelect + `,
       1.0::float8 AS score
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  d.collection = $1
  AND  ` + match

	args := []any{collection, query}
	if frag != nil && frag.SQL != "" {
		q += frag.SQL
		args = append(args, frag.Params...)
	}
	q += fmt.Sprintf(`
ORDER BY c.created_at DESC, c.document_id, c.chunk_index
LIMIT $%d`, len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fulltext search: %w", err)
	}
	return collectResults(rows)
}

// isTsquerySyntaxErr reports whether err is the Postgres tsquery syntax error.
func isTsquerySyntaxErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgTsquerySyntaxError
}
