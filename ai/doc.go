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


// Package ai provides the embedding abstraction used by mailvec.
//
// Ingestion, re-embedding, and search depend only on the Embedder interface,
// so the embedding backend can be swapped without touching the store or the
// aggregation logic. Queries must be embedded by the same Embedder that was
// used for ingestion so that both live in the same vector space.
//
// # Implementation Packages
//
//   - ai/openai: OpenAI-compatible APIs (OpenAI, Ollama, LocalAI, vLLM) via langchaingo
//   - ai/mock: deterministic test doubles
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder) return
// interface types. Test constructors (mock.NewMockEmbedder) return concrete
// types so tests can inject behavior and inspect call counts.
//
// # Usage Example
//
//	config := ai.NewConfig(ai.WithEmbeddingModel("nomic-embed-text"))
//	provider, err := openai.NewProvider(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vectors, err := provider.Embedder().EmbedTexts(ctx, []string{"hello", "world"})
package ai
