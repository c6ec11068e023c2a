package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mfittko/rag-stack/internal/errs"
)

// UpsertDocument inserts or refreshes a document keyed by
// (collection, identity_key). On conflict the row's updated_at and last_seen
// are always bumped; source, mime type, raw payload, and checksum are only
// replaced when overwrite is true. The existing row's id and base_id are
// never changed. Returns the authoritative document row and whether it was
// newly created.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document, overwrite bool) (*Document, bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.BaseID == "" {
		doc.BaseID = doc.ID
	}

	const q = `
INSERT INTO documents (id, base_id, collection, source, identity_key, mime_type, raw_data, raw_key, payload_checksum)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $10)
ON CONFLICT (collection, identity_key) DO UPDATE SET
    updated_at = now(),
    last_seen  = now(),
    source     = CASE WHEN $9 THEN EXCLUDED.source     ELSE documents.source     END,
    mime_type  = CASE WHEN $9 THEN EXCLUDED.mime_type  ELSE documents.mime_type  END,
    raw_data   = CASE WHEN $9 THEN EXCLUDED.raw_data   ELSE documents.raw_data   END,
    raw_key    = CASE WHEN $9 THEN EXCLUDED.raw_key    ELSE documents.raw_key    END,
    payload_checksum = CASE WHEN $9 THEN EXCLUDED.payload_checksum ELSE documents.payload_checksum END
RETURNING id, base_id, collection, source, identity_key, mime_type,
          COALESCE(summary, ''), COALESCE(summary_short, ''),
          COALESCE(summary_medium, ''), COALESCE(summary_long, ''),
          raw_data, COALESCE(raw_key, ''), payload_checksum,
          ingested_at, updated_at, last_seen,
          (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, q,
		doc.ID, doc.BaseID, doc.Collection, doc.Source, doc.IdentityKey,
		doc.MimeType, doc.RawData, doc.RawKey, overwrite, doc.PayloadChecksum)

	var d Document
	var inserted bool
	err := row.Scan(&d.ID, &d.BaseID, &d.Collection, &d.Source, &d.IdentityKey,
		&d.MimeType, &d.Summary, &d.SummaryShort, &d.SummaryMedium, &d.SummaryLong,
		&d.RawData, &d.RawKey, &d.PayloadChecksum, &d.IngestedAt, &d.UpdatedAt, &d.LastSeen, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("store: upsert document: %w", err)
	}
	return &d, inserted, nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	const q = docSelect + ` WHERE id = $1`
	return s.getDocument(ctx, q, id)
}

// GetDocumentByBaseID returns the most recently updated document with the
// given base_id, optionally scoped to a collection.
func (s *Store) GetDocumentByBaseID(ctx context.Context, baseID, collection string) (*Document, error) {
	q := docSelect + ` WHERE base_id = $1`
	args := []any{baseID}
	if collection != "" {
		q += ` AND collection = $2`
		args = append(args, collection)
	}
	q += ` ORDER BY updated_at DESC LIMIT 1`
	return s.getDocument(ctx, q, args...)
}

// docSelect is the shared document column list.
const docSelect = `
SELECT id, base_id, collection, source, identity_key, mime_type,
       COALESCE(summary, ''), COALESCE(summary_short, ''),
       COALESCE(summary_medium, ''), COALESCE(summary_long, ''),
       raw_data, COALESCE(raw_key, ''), payload_checksum, ingested_at, updated_at, last_seen
FROM documents`

// getDocument runs a single-row document query, mapping no-rows to NOT_FOUND.
func (s *Store) getDocument(ctx context.Context, q string, args ...any) (*Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "document not found")
		}
		return nil, fmt.Errorf("store: get document: %w", err)
	}
	return doc, nil
}

// scanDocument scans the docSelect column list.
func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.BaseID, &d.Collection, &d.Source, &d.IdentityKey,
		&d.MimeType, &d.Summary, &d.SummaryShort, &d.SummaryMedium, &d.SummaryLong,
		&d.RawData, &d.RawKey, &d.PayloadChecksum, &d.IngestedAt, &d.UpdatedAt, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CollectionStats counts documents and chunks per collection.
func (s *Store) CollectionStats(ctx context.Context) ([]CollectionStat, error) {
	const q = `
SELECT d.collection, COUNT(DISTINCT d.id), COUNT(c.id)
FROM   documents d
LEFT JOIN chunks c ON c.document_id = d.id
GROUP BY d.collection
ORDER BY d.collection`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: collection stats: %w", err)
	}
	defer rows.Close()

	var stats []CollectionStat
	for rows.Next() {
		var st CollectionStat
		if err := rows.Scan(&st.Collection, &st.Documents, &st.Chunks); err != nil {
			return nil, fmt.Errorf("store: collection stats scan: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: collection stats rows: %w", err)
	}
	return stats, nil
}
