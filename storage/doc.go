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


// Package storage provides the storage abstraction layer for mailvec.
//
// This package defines repository interfaces that decouple storage implementation
// from ingestion and query logic. Three backends implement Store:
//
//   - storage/badger: embedded key-value store, the default
//   - storage/sqlite: embedded relational store (pure Go driver)
//   - storage/postgres: server relational store with pgvector columns
//
// # Constructor Return Type Pattern
//
// Public backend constructors return the storage.Store interface:
//
//	store, err := badger.NewStore(path)  // returns storage.Store
//
// Internal constructors may return concrete types since they're only used
// within the implementation package.
//
// # Architecture
//
//   - Repository: schema, dimension, generation and liveness
//   - DocumentRepository: first-write-wins documents, embeddings iteration
//   - AggregateRepository: per-conversation running-mean vectors
//   - Store: all of the above plus ApplyBatch, the transactional batch write
//
// The generation counter lets readers of derived data (the similarity index)
// detect that the store changed since they last looked.
//
// # Usage
//
//	store, err := badger.NewStore("/path/to/db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.EnsureSchema(ctx, 768); err != nil {
//	    log.Fatal(err)
//	}
//
// Use in tests with in-memory storage:
//
//	store, err := badger.NewMemoryStore()
//
// # Thread Safety
//
// All store implementations must be thread-safe. Ingestion is single writer;
// readers may run concurrently with it.
//
// # Serialization
//
// Backends without native types store records with the mus-go encoders in
// serialization.go.
package storage
