// Package postgres provides PostgreSQL implementations of the storage
// interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. All statements are idempotent (IF NOT EXISTS) so the schema can
// be re-applied on every startup.
const Schema = `
-- Records table: primary durable store for memory records
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    content TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT '',

    -- Optimistic concurrency token, incremented on every committed write
    version BIGINT NOT NULL DEFAULT 1,

    -- Secondary index bookkeeping
    embedding_state TEXT NOT NULL DEFAULT 'pending',
    graph_state TEXT NOT NULL DEFAULT 'pending',

    -- Content hash for drift detection and dedup
    content_hash TEXT NOT NULL DEFAULT '',

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    -- Soft delete (tombstone; secondary indexes catch up asynchronously)
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);
CREATE INDEX IF NOT EXISTS idx_records_project ON records(project);
CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at);
CREATE INDEX IF NOT EXISTS idx_records_deleted_at ON records(deleted_at);
CREATE INDEX IF NOT EXISTS idx_records_pending ON records(embedding_state, graph_state)
    WHERE embedding_state != 'ready' OR graph_state != 'ready';

-- Embeddings table: binary vectors with dimension tracking. The BYTEA column
-- is always written; embedding_vec is populated when pgvector is available.
CREATE TABLE IF NOT EXISTS embeddings (
    record_id TEXT PRIMARY KEY REFERENCES records(id) ON DELETE CASCADE,
    embedding BYTEA NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT NOT NULL,
    metric TEXT NOT NULL DEFAULT 'cosine',

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

-- Graph nodes: arena-indexed, addressed by (kind, key)
CREATE TABLE IF NOT EXISTS nodes (
    id BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    key TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    record_id TEXT REFERENCES records(id) ON DELETE SET NULL,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE(kind, key)
);

CREATE INDEX IF NOT EXISTS idx_nodes_record ON nodes(record_id);

-- Graph edges: deduplicated by (source, target, relation), weight merges
CREATE TABLE IF NOT EXISTS edges (
    id BIGSERIAL PRIMARY KEY,
    source_id BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target_id BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    relation TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    UNIQUE(source_id, target_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

-- Settings table: persistent key-value store for runtime configuration
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// MigrationFTS adds full-text search support to the records table using
// PostgreSQL's tsvector/GIN approach. Safe to run multiple times.
const MigrationFTS = `
-- Add tsvector column for full-text search if it doesn't already exist.
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'records' AND column_name = 'content_tsv'
    ) THEN
        ALTER TABLE records ADD COLUMN content_tsv tsvector;
    END IF;
END
$$;

-- Populate the tsvector column for any existing rows.
UPDATE records SET content_tsv = to_tsvector('english', content) WHERE content_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_records_content_tsv ON records USING GIN(content_tsv);

-- Keep content_tsv current on INSERT/UPDATE.
CREATE OR REPLACE FUNCTION records_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.content_tsv := to_tsvector('english', COALESCE(NEW.content, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS records_tsv_trigger ON records;
CREATE TRIGGER records_tsv_trigger
    BEFORE INSERT OR UPDATE OF content
    ON records
    FOR EACH ROW
    EXECUTE FUNCTION records_tsv_update();
`

// MigrationPgvector adds the pgvector column and ANN index to the embeddings
// table. Only applied when the vector extension is available. Safe to run
// multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

-- ivfflat index for approximate nearest-neighbour cosine search.
-- Lists = 100 is a good default for up to ~1M vectors.
-- ivfflat needs at least one row to build, hence the guard.
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_embeddings_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM embeddings LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_embeddings_vec_cosine ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
