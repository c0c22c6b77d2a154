package core

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// IDFromContent derives a deterministic document ID from the given parts using BLAKE2b.
// Identical parts always produce the identical ID, which keeps re-ingestion idempotent
// for source records that carry no ID of their own.
func IDFromContent(parts ...string) string {
	h, _ := blake2b.New(16, nil) // 16 bytes = 128 bits
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "c-" + hex.EncodeToString(h.Sum(nil))
}

// Document is one ingested email.
// Documents are immutable once stored; re-ingesting the same ID is a no-op.
type Document struct {
	ID             string
	ConversationID string     // Empty when the email is not part of a thread
	Subject        string
	Sender         string
	Content        string
	Timestamp      *time.Time // Nil when the source date could not be parsed
	Order          *int       // Position within the thread, nil when unknown
	Raw            []byte     // Original JSON record, stored verbatim
	Vector         []float32  // Embedding vector (populated during ingestion)
}

// EmbeddingText returns the text that is sent to the embedder for this document.
// The template is fixed so repeated encodes of the same document see the same input.
func (d *Document) EmbeddingText() string {
	var sb strings.Builder
	sb.WriteString("From: ")
	sb.WriteString(d.Sender)
	sb.WriteString("\nSubject: ")
	sb.WriteString(d.Subject)
	sb.WriteString("\n\n")
	sb.WriteString(d.Content)
	return sb.String()
}

// ConversationAggregate is the running mean embedding of every document merged into a thread.
type ConversationAggregate struct {
	ConversationID string
	EmailCount     int
	Vector         []float32
}

// SearchResult is a document returned by a similarity query with its score.
type SearchResult struct {
	Document *Document
	Score    float32
}

// ConversationResult is a thread returned by a conversation-level query.
type ConversationResult struct {
	Aggregate *ConversationAggregate
	Score     float32
}

// Conversation groups the raw records of a thread, ordered by date.
type Conversation struct {
	ConversationID string
	Documents      []*Document
}
