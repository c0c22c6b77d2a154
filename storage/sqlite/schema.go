package sqlite

// Timestamps are stored as UTC Unix microseconds so ordering is numeric.
// Vectors are mus-encoded blobs (storage.MarshalVector).
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT,
	subject         TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	sent_at         INTEGER,
	thread_order    INTEGER,
	raw             BLOB NOT NULL,
	embedding       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_sent_at_idx ON documents (sent_at, id);
CREATE INDEX IF NOT EXISTS documents_conversation_idx ON documents (conversation_id);

CREATE TABLE IF NOT EXISTS conversation_aggregates (
	conversation_id TEXT PRIMARY KEY,
	email_count     INTEGER NOT NULL,
	embedding       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const (
	metaDimension  = "dimension"
	metaGeneration = "generation"
)

const documentColumns = `id, conversation_id, subject, sender, content, sent_at, thread_order, raw, embedding`

const (
	insertDocumentSQL = `INSERT INTO documents (` + documentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	upsertAggregateSQL = `INSERT INTO conversation_aggregates (conversation_id, email_count, embedding)
VALUES (?, ?, ?)
ON CONFLICT (conversation_id) DO UPDATE SET
	email_count = excluded.email_count,
	embedding   = excluded.embedding`

	bumpGenerationSQL = `INSERT INTO store_meta (key, value) VALUES ('` + metaGeneration + `', 1)
ON CONFLICT (key) DO UPDATE SET value = value + 1`

	listDocumentsSQL = `SELECT ` + documentColumns + ` FROM documents
ORDER BY sent_at IS NULL, sent_at, id`

	metaTableExistsSQL = `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'store_meta'`
)

// maxParams bounds the number of bound parameters in one IN list.
const maxParams = 500
