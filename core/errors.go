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


package core

import (
	"errors"
	"fmt"
)

// Domain validation errors
var (
	// ErrInvalidDocument indicates a Document failed validation.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrInvalidAggregate indicates a ConversationAggregate failed validation.
	ErrInvalidAggregate = errors.New("invalid conversation aggregate")

	// ErrEmptyID indicates the ID field is empty.
	ErrEmptyID = errors.New("id cannot be empty")

	// ErrDimensionMismatch indicates a vector does not have the expected dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyQuery indicates a query string was empty or only whitespace.
	ErrEmptyQuery = errors.New("empty query")

	// ErrInvalidK indicates a non-positive result count was requested.
	ErrInvalidK = errors.New("k must be a positive integer")
)

// LoadError reports that an input collection could not be read or parsed.
// Ingestion aborts before any write when a LoadError occurs.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("load failed: %v", e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ConnectionError reports that a store could not be reached after all connection attempts.
type ConnectionError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EncodeError reports that a single document could not be embedded.
// It is logged and the document is stored with a zero vector.
type EncodeError struct {
	DocumentID string
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode document %q: %v", e.DocumentID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// UpsertError reports that a batch write failed.
// Batches committed before the failing one remain stored.
type UpsertError struct {
	Batch     int
	Documents int
	Err       error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert batch %d (%d documents): %v", e.Batch, e.Documents, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }
