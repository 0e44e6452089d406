package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Knowledge source registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    format TEXT NOT NULL,
    source_kind TEXT NOT NULL DEFAULT 'policy',
    content_hash TEXT NOT NULL,
    status TEXT DEFAULT 'pending',
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Knowledge chunks: policy sections and resolved-case summaries
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    content TEXT NOT NULL,
    source_kind TEXT NOT NULL,
    heading TEXT,
    ref TEXT,
    position_in_doc INTEGER,
    token_count INTEGER,
    content_hash TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec. Cosine distance is fixed project-wide
-- so scores stay comparable across queries.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Full-text search via FTS5 (dashboard keyword search)
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    heading,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content, heading) VALUES (new.id, new.content, new.heading);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES ('delete', old.id, old.content, old.heading);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES ('delete', old.id, old.content, old.heading);
    INSERT INTO chunks_fts(chunks_fts, rowid, content, heading) VALUES (new.id, new.content, new.heading);
END;

-- Submitted support queries. Immutable once created; a query without a
-- matching case row is still awaiting its first draft.
CREATE TABLE IF NOT EXISTS queries (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    submitter TEXT NOT NULL,
    category TEXT,
    priority TEXT,
    submitted_at DATETIME NOT NULL
);

-- Review cases. version is the optimistic concurrency token: every
-- committed transition increments it exactly once.
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY REFERENCES queries(id),
    status TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    current_draft_id TEXT,
    feedback TEXT,
    issue_ref TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

-- Draft versions. Never updated or deleted; an edit inserts a new row and
-- re-points cases.current_draft_id.
CREATE TABLE IF NOT EXISTS drafts (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL REFERENCES cases(id),
    text TEXT NOT NULL,
    tone TEXT,
    confidence REAL,
    citations JSON NOT NULL,
    used_policy TEXT,
    used_reference_case TEXT,
    model_identifier TEXT NOT NULL,
    author TEXT NOT NULL,
    generated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drafts_case ON drafts(case_id);

-- Append-only transition log, hash-chained per case.
CREATE TABLE IF NOT EXISTS case_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id TEXT NOT NULL REFERENCES cases(id),
    seq INTEGER NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    note TEXT,
    occurred_at DATETIME NOT NULL,
    entry_hash TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    UNIQUE(case_id, seq)
);
`, embeddingDim)
}
