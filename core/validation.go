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
	"fmt"
	"strings"
)

// ValidateDocument validates a Document before it is written to a store.
//
// Validation rules:
//   - ID must not be empty
//   - Vector must have exactly dim components when dim > 0
//
// NOT validated (may legitimately be empty):
//   - Subject, Sender, Content
//   - ConversationID (ungrouped documents are allowed)
//   - Timestamp and Order (nil when the source did not provide them)
func ValidateDocument(doc *Document, dim int) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	if doc.ID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrEmptyID)
	}

	if dim > 0 && len(doc.Vector) != dim {
		return fmt.Errorf("%w: %w: document %q has %d components, want %d",
			ErrInvalidDocument, ErrDimensionMismatch, doc.ID, len(doc.Vector), dim)
	}

	return nil
}

// ValidateAggregate validates a ConversationAggregate before it is written to a store.
func ValidateAggregate(agg *ConversationAggregate, dim int) error {
	if agg == nil {
		return fmt.Errorf("%w: aggregate is nil", ErrInvalidAggregate)
	}

	if agg.ConversationID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidAggregate, ErrEmptyID)
	}

	if agg.EmailCount < 1 {
		return fmt.Errorf("%w: email count %d", ErrInvalidAggregate, agg.EmailCount)
	}

	if dim > 0 && len(agg.Vector) != dim {
		return fmt.Errorf("%w: %w: conversation %q has %d components, want %d",
			ErrInvalidAggregate, ErrDimensionMismatch, agg.ConversationID, len(agg.Vector), dim)
	}

	return nil
}

// ValidateQuery checks a query string and result count.
func ValidateQuery(query string, k int) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if k < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	return nil
}
