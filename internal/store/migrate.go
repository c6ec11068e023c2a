package store

import (
	"context"
	"fmt"
)

// schemaDDL is the full schema. The embedding dimension is substituted at
// migrate time — it is an operator-configured integer, never caller input.
const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id             UUID PRIMARY KEY,
    base_id        TEXT NOT NULL,
    collection     TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT '',
    identity_key   TEXT NOT NULL,
    mime_type      TEXT NOT NULL DEFAULT '',
    summary        TEXT,
    summary_short  TEXT,
    summary_medium TEXT,
    summary_long   TEXT,
    raw_data       BYTEA,
    raw_key        TEXT,
    payload_checksum TEXT NOT NULL DEFAULT '',
    ingested_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (collection, identity_key)
);

CREATE INDEX IF NOT EXISTS idx_documents_base_id     ON documents (base_id);
CREATE INDEX IF NOT EXISTS idx_documents_ingested_at ON documents (ingested_at);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at  ON documents (updated_at);
CREATE INDEX IF NOT EXISTS idx_documents_last_seen   ON documents (last_seen);
CREATE INDEX IF NOT EXISTS idx_documents_mime_type   ON documents (mime_type);

CREATE TABLE IF NOT EXISTS chunks (
    id                UUID PRIMARY KEY,
    document_id       UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index       INTEGER NOT NULL CHECK (chunk_index >= 0),
    text              TEXT NOT NULL,
    embedding         vector(%d) NOT NULL,
    doc_type          TEXT NOT NULL DEFAULT 'text',
    source            TEXT NOT NULL DEFAULT '',
    path              TEXT,
    lang              TEXT,
    repo_id           TEXT,
    repo_url          TEXT,
    item_url          TEXT,
    tier1_meta        JSONB NOT NULL DEFAULT '{}'::jsonb,
    tier2_meta        JSONB,
    tier3_meta        JSONB,
    enrichment_status TEXT NOT NULL DEFAULT 'none'
        CHECK (enrichment_status IN ('none','pending','processing','enriched','failed')),
    enriched_at       TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_created_at ON chunks (created_at);
CREATE INDEX IF NOT EXISTS idx_chunks_enrichment ON chunks (enrichment_status);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding  ON chunks
    USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS tasks (
    id           UUID PRIMARY KEY,
    queue        TEXT NOT NULL DEFAULT 'enrichment',
    status       TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','processing','completed','dead')),
    payload      JSONB NOT NULL,
    attempt      INTEGER NOT NULL DEFAULT 1,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    priority     INTEGER NOT NULL DEFAULT 0,
    run_after    TIMESTAMPTZ NOT NULL DEFAULT now(),
    leased_until TIMESTAMPTZ,
    worker_id    TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (queue, status, priority DESC, created_at)
    WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks (leased_until)
    WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_tasks_chunk ON tasks ((payload->>'chunkId'));

CREATE TABLE IF NOT EXISTS entities (
    id          UUID PRIMARY KEY,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (name, type)
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities (name);

CREATE TABLE IF NOT EXISTS relationships (
    id         UUID PRIMARY KEY,
    source_id  UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_id  UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    type       TEXT NOT NULL,
    weight     REAL NOT NULL DEFAULT 1.0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source_id, target_id, type)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships (source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships (target_id);

CREATE TABLE IF NOT EXISTS entity_mentions (
    entity_id   UUID NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    count       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (entity_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_mentions_document ON entity_mentions (document_id);
`

// Migrate applies the schema. Idempotent: every statement is guarded with
// IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaDDL, s.dim)); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
