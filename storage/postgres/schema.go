package postgres

import "fmt"

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS vector`

// schemaSQL returns the DDL for a store with vectors of dimension dim.
func schemaSQL(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT,
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	sent_at         TIMESTAMPTZ,
	thread_order    INTEGER,
	raw             JSONB NOT NULL,
	embedding       vector(%[1]d) NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_sent_at_idx ON documents (sent_at, id);
CREATE INDEX IF NOT EXISTS documents_conversation_idx ON documents (conversation_id);

CREATE TABLE IF NOT EXISTS conversation_aggregates (
	conversation_id TEXT PRIMARY KEY,
	email_count     INTEGER NOT NULL,
	embedding       vector(%[1]d) NOT NULL
);

CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`, dim)
}

const (
	metaDimension  = "dimension"
	metaGeneration = "generation"
)

const documentColumns = `id, conversation_id, subject, sender, content, sent_at, thread_order, raw, embedding`

const (
	insertDocumentSQL = `INSERT INTO documents (` + documentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

	upsertAggregateSQL = `INSERT INTO conversation_aggregates (conversation_id, email_count, embedding)
VALUES ($1, $2, $3)
ON CONFLICT (conversation_id) DO UPDATE SET
	email_count = EXCLUDED.email_count,
	embedding   = EXCLUDED.embedding`

	bumpGenerationSQL = `INSERT INTO store_meta (key, value) VALUES ('` + metaGeneration + `', 1)
ON CONFLICT (key) DO UPDATE SET value = store_meta.value + 1`

	listDocumentsSQL = `SELECT ` + documentColumns + ` FROM documents
ORDER BY sent_at ASC NULLS LAST, id COLLATE "C"`

	getDocumentsSQL = `SELECT ` + documentColumns + ` FROM documents WHERE id = ANY($1)`

	metaTableExistsSQL = `SELECT to_regclass('store_meta') IS NOT NULL`
)
