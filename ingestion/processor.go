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


package ingestion

import (
	"context"

	"github.com/poiesic/mailvec/core"
)

// processor is an internal interface for enriching a batch of documents
// before it is written.
type processor interface {
	// process fills in each document in place. Per-document failures that
	// were absorbed are returned; the error is reserved for failures that
	// must stop the run (such as cancellation).
	process(ctx context.Context, docs []*core.Document) ([]*core.EncodeError, error)
}
