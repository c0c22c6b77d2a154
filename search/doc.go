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


// Package search answers similarity queries over ingested email.
//
// A Searcher embeds the query text with the same embedder used during
// ingestion, ranks stored vectors by cosine similarity against a fresh
// index snapshot, and resolves the winning IDs back to documents or
// conversation aggregates. Result order always follows the index ranking.
//
// Queries never fail because a background rebuild failed: the previous
// snapshot keeps serving and the failure is reported through index stats.
package search
