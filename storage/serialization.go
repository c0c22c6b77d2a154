// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/mailvec/core"
)

// Records are encoded field by field in declaration order. Optional fields
// carry a leading bool; timestamps are stored as UTC Unix microseconds.

// MarshalDocument serializes a Document to bytes.
func MarshalDocument(doc *core.Document) []byte {
	w := newWriter(documentSize(doc))
	w.string(doc.ID)
	w.string(doc.ConversationID)
	w.string(doc.Subject)
	w.string(doc.Sender)
	w.string(doc.Content)
	w.time(doc.Timestamp)
	w.optInt(doc.Order)
	w.bytes(doc.Raw)
	w.vector(doc.Vector)
	return w.bs
}

// UnmarshalDocument deserializes a Document from bytes.
func UnmarshalDocument(data []byte) (*core.Document, error) {
	r := &reader{bs: data}
	doc := &core.Document{
		ID:             r.string(),
		ConversationID: r.string(),
		Subject:        r.string(),
		Sender:         r.string(),
		Content:        r.string(),
		Timestamp:      r.time(),
		Order:          r.optInt(),
		Raw:            r.bytes(),
		Vector:         r.vector(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: document: %w", ErrSerializationFailed, r.err)
	}
	return doc, nil
}

// MarshalAggregate serializes a ConversationAggregate to bytes.
func MarshalAggregate(agg *core.ConversationAggregate) []byte {
	w := newWriter(ord.String.Size(agg.ConversationID) + varint.Int.Size(agg.EmailCount) + vectorSize(agg.Vector))
	w.string(agg.ConversationID)
	w.int(agg.EmailCount)
	w.vector(agg.Vector)
	return w.bs
}

// UnmarshalAggregate deserializes a ConversationAggregate from bytes.
func UnmarshalAggregate(data []byte) (*core.ConversationAggregate, error) {
	r := &reader{bs: data}
	agg := &core.ConversationAggregate{
		ConversationID: r.string(),
		EmailCount:     r.int(),
		Vector:         r.vector(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: aggregate: %w", ErrSerializationFailed, r.err)
	}
	return agg, nil
}

// MarshalVector serializes a vector on its own. Backends without a native
// vector type store this as a blob.
func MarshalVector(vector []float32) []byte {
	w := newWriter(vectorSize(vector))
	w.vector(vector)
	return w.bs
}

// UnmarshalVector deserializes a vector written by MarshalVector.
func UnmarshalVector(data []byte) ([]float32, error) {
	r := &reader{bs: data}
	vector := r.vector()
	if r.err != nil {
		return nil, fmt.Errorf("%w: vector: %w", ErrSerializationFailed, r.err)
	}
	return vector, nil
}

// MarshalUint64 serializes a counter such as the generation.
func MarshalUint64(v uint64) []byte {
	w := newWriter(varint.Uint64.Size(v))
	w.uint64(v)
	return w.bs
}

// UnmarshalUint64 deserializes a counter written by MarshalUint64.
func UnmarshalUint64(data []byte) (uint64, error) {
	r := &reader{bs: data}
	v := r.uint64()
	if r.err != nil {
		return 0, fmt.Errorf("%w: counter: %w", ErrSerializationFailed, r.err)
	}
	return v, nil
}

func documentSize(doc *core.Document) int {
	size := ord.String.Size(doc.ID) +
		ord.String.Size(doc.ConversationID) +
		ord.String.Size(doc.Subject) +
		ord.String.Size(doc.Sender) +
		ord.String.Size(doc.Content) +
		ord.Bool.Size(doc.Timestamp != nil) +
		ord.Bool.Size(doc.Order != nil) +
		varint.Int.Size(len(doc.Raw)) + len(doc.Raw) +
		vectorSize(doc.Vector)
	if doc.Timestamp != nil {
		size += varint.Int64.Size(doc.Timestamp.UnixMicro())
	}
	if doc.Order != nil {
		size += varint.Int.Size(*doc.Order)
	}
	return size
}

func vectorSize(vector []float32) int {
	size := varint.Int.Size(len(vector))
	for _, f := range vector {
		size += raw.Float32.Size(f)
	}
	return size
}

type writer struct {
	bs []byte
	n  int
}

func newWriter(size int) *writer {
	return &writer{bs: make([]byte, size)}
}

func (w *writer) string(s string) {
	w.n += ord.String.Marshal(s, w.bs[w.n:])
}

func (w *writer) bool(b bool) {
	w.n += ord.Bool.Marshal(b, w.bs[w.n:])
}

func (w *writer) int(v int) {
	w.n += varint.Int.Marshal(v, w.bs[w.n:])
}

func (w *writer) uint64(v uint64) {
	w.n += varint.Uint64.Marshal(v, w.bs[w.n:])
}

func (w *writer) time(t *time.Time) {
	w.bool(t != nil)
	if t != nil {
		w.n += varint.Int64.Marshal(t.UnixMicro(), w.bs[w.n:])
	}
}

func (w *writer) optInt(v *int) {
	w.bool(v != nil)
	if v != nil {
		w.int(*v)
	}
}

func (w *writer) bytes(b []byte) {
	w.int(len(b))
	w.n += copy(w.bs[w.n:], b)
}

func (w *writer) vector(vector []float32) {
	w.int(len(vector))
	for _, f := range vector {
		w.n += raw.Float32.Marshal(f, w.bs[w.n:])
	}
}

// reader decodes sequentially and remembers the first error, so callers
// check err once after reading every field.
type reader struct {
	bs  []byte
	n   int
	err error
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) bool() bool {
	if r.err != nil {
		return false
	}
	v, n, err := ord.Bool.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) int() int {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *reader) time() *time.Time {
	if !r.bool() || r.err != nil {
		return nil
	}
	micros, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	if r.err = err; err != nil {
		return nil
	}
	t := time.UnixMicro(micros).UTC()
	return &t
}

func (r *reader) optInt() *int {
	if !r.bool() || r.err != nil {
		return nil
	}
	v := r.int()
	if r.err != nil {
		return nil
	}
	return &v
}

func (r *reader) length() int {
	l := r.int()
	if r.err == nil && (l < 0 || l > len(r.bs)-r.n) {
		r.err = ErrTruncatedData
	}
	return l
}

func (r *reader) bytes() []byte {
	l := r.length()
	if r.err != nil || l == 0 {
		return nil
	}
	b := make([]byte, l)
	r.n += copy(b, r.bs[r.n:r.n+l])
	return b
}

func (r *reader) vector() []float32 {
	l := r.length()
	if r.err != nil || l == 0 {
		return nil
	}
	vector := make([]float32, l)
	for i := range vector {
		f, n, err := raw.Float32.Unmarshal(r.bs[r.n:])
		r.n += n
		if r.err = err; err != nil {
			return nil
		}
		vector[i] = f
	}
	return vector
}
