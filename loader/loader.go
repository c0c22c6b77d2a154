// Package loader reads email collections and flattens them into documents.
//
// The input is a JSON array of conversations:
//
//	[
//	  {
//	    "conversation_id": "thread-1",
//	    "emails": [
//	      {"id": "m1", "subject": "...", "from": "...", "date": "Mon, 2 Jan 2006 15:04:05 -0700",
//	       "content": "...", "order": 0}
//	    ]
//	  }
//	]
//
// The sender may be given as "from" or "sender". Dates are RFC 2822 strings;
// a date that cannot be parsed leaves the document without a timestamp.
// Any structural problem fails the whole load with a *core.LoadError.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/mailvec/core"
)

var (
	// ErrNotArray indicates the top-level value is not a JSON array.
	ErrNotArray = errors.New("collection must be a JSON array of conversations")

	// ErrNotObject indicates a conversation or email is not a JSON object.
	ErrNotObject = errors.New("expected a JSON object")

	// ErrTrailingData indicates input continues after the collection.
	ErrTrailingData = errors.New("unexpected data after the collection")
)

// LoadFile reads and flattens the collection stored at path.
func LoadFile(path string) ([]*core.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &core.LoadError{Source: path, Err: err}
	}
	defer f.Close()

	docs, err := Load(f)
	if err != nil {
		var loadErr *core.LoadError
		if errors.As(err, &loadErr) && loadErr.Source == "" {
			loadErr.Source = path
		}
		return nil, err
	}
	return docs, nil
}

// Load reads a collection from r and flattens it into documents, propagating
// each conversation's ID to its emails.
func Load(r io.Reader) ([]*core.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &core.LoadError{Err: err}
	}

	var conversations []json.RawMessage
	if err := decode(data, &conversations); err != nil {
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
			return nil, &core.LoadError{Err: err}
		}
		return nil, &core.LoadError{Err: fmt.Errorf("%w: %w", ErrNotArray, err)}
	}

	var docs []*core.Document
	for i, rawConv := range conversations {
		convDocs, err := flattenConversation(rawConv)
		if err != nil {
			return nil, &core.LoadError{Err: fmt.Errorf("conversation %d: %w", i, err)}
		}
		docs = append(docs, convDocs...)
	}
	return docs, nil
}

// Unique drops documents whose ID already appeared earlier in docs.
func Unique(docs []*core.Document) []*core.Document {
	seen := make(map[string]struct{}, len(docs))
	result := make([]*core.Document, 0, len(docs))
	for _, doc := range docs {
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		seen[doc.ID] = struct{}{}
		result = append(result, doc)
	}
	return result
}

func flattenConversation(raw json.RawMessage) ([]*core.Document, error) {
	var conv map[string]any
	if err := decode(raw, &conv); err != nil || conv == nil {
		return nil, ErrNotObject
	}

	conversationID := stringValue(conv["conversation_id"])

	var emails []json.RawMessage
	if rawEmails, ok := conv["emails"]; ok && rawEmails != nil {
		encoded, err := json.Marshal(rawEmails)
		if err != nil {
			return nil, err
		}
		if err := decode(encoded, &emails); err != nil {
			return nil, fmt.Errorf("emails: %w", err)
		}
	}

	docs := make([]*core.Document, 0, len(emails))
	for j, rawEmail := range emails {
		doc, err := parseEmail(rawEmail, conv["conversation_id"], conversationID)
		if err != nil {
			return nil, fmt.Errorf("email %d: %w", j, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func parseEmail(raw json.RawMessage, rawConversationID any, conversationID string) (*core.Document, error) {
	var email map[string]any
	if err := decode(raw, &email); err != nil || email == nil {
		return nil, ErrNotObject
	}

	sender := stringValue(email["from"])
	if sender == "" {
		sender = stringValue(email["sender"])
	}
	dateStr := stringValue(email["date"])

	doc := &core.Document{
		ID:             stringValue(email["id"]),
		ConversationID: conversationID,
		Subject:        stringValue(email["subject"]),
		Sender:         sender,
		Content:        stringValue(email["content"]),
		Timestamp:      ParseDate(dateStr),
		Order:          intValue(email["order"]),
	}
	if doc.ID == "" {
		doc.ID = core.IDFromContent(conversationID, doc.Sender, dateStr, doc.Subject, doc.Content)
		email["id"] = doc.ID
	}

	email["conversation_id"] = rawConversationID
	encoded, err := json.Marshal(email)
	if err != nil {
		return nil, err
	}
	doc.Raw = encoded
	return doc, nil
}

// ParseDate parses an RFC 2822 date. RFC 3339 is accepted as a fallback.
// Returns nil if the string is empty or cannot be parsed.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := mail.ParseDate(s); err == nil {
		utc := t.UTC()
		return &utc
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		utc := t.UTC()
		return &utc
	}
	return nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w at offset %d", ErrTrailingData, dec.InputOffset())
	}
	return nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// intValue converts an order value to an int. Non-integral values yield nil.
func intValue(v any) *int {
	var f float64
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			n := int(i)
			return &n
		}
		parsed, err := val.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil
		}
		return &i
	default:
		return nil
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	n := int(f)
	return &n
}
