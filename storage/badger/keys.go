package badger

import (
	"encoding/binary"
	"math"
	"time"
)

// Key prefixes for different data types
const (
	documentPrefix     = "doc:"
	documentDatePrefix = "docd:"
	aggregatePrefix    = "agg:"
	metaDimensionKey   = "meta:dim"
	metaGenerationKey  = "meta:gen"
)

// makeDocumentKey generates a key for a document by ID.
func makeDocumentKey(id string) []byte {
	return []byte(documentPrefix + id)
}

// makeDocumentDateKey generates a composite key for the date index.
// Format: prefix:timestamp:id
// Documents without a timestamp sort after every dated document.
func makeDocumentDateKey(timestamp *time.Time, id string) []byte {
	prefixBytes := []byte(documentDatePrefix)
	buf := make([]byte, len(prefixBytes)+8+len(id))
	offset := copy(buf, prefixBytes)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], sortableMicros(timestamp))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// sortableMicros maps a timestamp to an unsigned value whose byte order
// matches time order, including dates before 1970.
func sortableMicros(timestamp *time.Time) uint64 {
	if timestamp == nil {
		return math.MaxUint64
	}
	return uint64(timestamp.UnixMicro()) ^ (1 << 63)
}

// makeAggregateKey generates a key for a conversation aggregate.
func makeAggregateKey(conversationID string) []byte {
	return []byte(aggregatePrefix + conversationID)
}
