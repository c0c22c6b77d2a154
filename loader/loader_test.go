package loader

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/poiesic/mailvec/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCollection = `[
  {
    "conversation_id": "thread-1",
    "emails": [
      {"id": "m1", "subject": "Lunch", "from": "alice@example.com",
       "date": "Mon, 02 Jan 2006 15:04:05 -0700", "content": "Tacos?", "order": 0},
      {"id": "m2", "subject": "Re: Lunch", "sender": "bob@example.com",
       "date": "not a date", "content": "Sure", "order": "1"}
    ]
  },
  {
    "conversation_id": null,
    "emails": [
      {"id": 42, "subject": "Loose", "content": "ungrouped", "order": 1.5}
    ]
  }
]`

func intPtr(i int) *int { return &i }

func TestLoad(t *testing.T) {
	docs, err := Load(strings.NewReader(sampleCollection))
	require.NoError(t, err)
	require.Len(t, docs, 3)

	ts := time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC)
	want := []*core.Document{
		{ID: "m1", ConversationID: "thread-1", Subject: "Lunch", Sender: "alice@example.com",
			Content: "Tacos?", Timestamp: &ts, Order: intPtr(0)},
		{ID: "m2", ConversationID: "thread-1", Subject: "Re: Lunch", Sender: "bob@example.com",
			Content: "Sure", Order: intPtr(1)},
		{ID: "42", Subject: "Loose", Content: "ungrouped"},
	}

	diff := cmp.Diff(want, docs, cmpopts.IgnoreFields(core.Document{}, "Raw"))
	assert.Empty(t, diff, "documents mismatch (-want +got):\n%s", diff)
}

func TestLoadPropagatesConversationIDIntoRaw(t *testing.T) {
	docs, err := Load(strings.NewReader(sampleCollection))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(docs[0].Raw, &raw))
	assert.Equal(t, "thread-1", raw["conversation_id"])
	assert.Equal(t, "Tacos?", raw["content"])
	assert.Equal(t, "m1", raw["id"])

	require.NoError(t, json.Unmarshal(docs[2].Raw, &raw))
	assert.Contains(t, raw, "conversation_id")
	assert.Nil(t, raw["conversation_id"])
}

func TestLoadEmptyCollections(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty array", input: `[]`},
		{name: "conversation without emails", input: `[{"conversation_id": "a"}]`},
		{name: "conversation with empty emails", input: `[{"conversation_id": "a", "emails": []}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := Load(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty input", input: ``},
		{name: "truncated", input: `[{"conversation_id": "a", "emails": [`},
		{name: "object instead of array", input: `{"conversation_id": "a"}`},
		{name: "conversation is a string", input: `["a"]`},
		{name: "emails is not an array", input: `[{"conversation_id": "a", "emails": "nope"}]`},
		{name: "email is not an object", input: `[{"conversation_id": "a", "emails": [1]}]`},
		{name: "trailing garbage", input: `[{"conversation_id": "a", "emails": [{"id": "e1"}]}] }{ not json`},
		{name: "second collection", input: `[] []`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := Load(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Nil(t, docs)

			var loadErr *core.LoadError
			assert.True(t, errors.As(err, &loadErr), "expected LoadError, got %T", err)
		})
	}
}

func TestLoadTrailingData(t *testing.T) {
	_, err := Load(strings.NewReader(`[{"conversation_id": "a", "emails": [{"id": "e1"}]}] }{ not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrailingData)

	docs, err := Load(strings.NewReader("[{\"conversation_id\": \"a\", \"emails\": [{\"id\": \"e1\"}]}]\n\t \n"))
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestLoadMissingIDIsDeterministic(t *testing.T) {
	input := `[{"conversation_id": "a", "emails": [{"subject": "s", "from": "x", "content": "c"}]}]`

	first, err := Load(strings.NewReader(input))
	require.NoError(t, err)
	second, err := Load(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.NotEmpty(t, first[0].ID)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emails.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleCollection), 0o644))

	docs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestLoadFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	_, err := LoadFile(path)
	var loadErr *core.LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, path, loadErr.Source)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *time.Time
	}{
		{name: "rfc2822", input: "Tue, 10 Jun 2003 04:00:00 +0000", want: ptrTime(time.Date(2003, 6, 10, 4, 0, 0, 0, time.UTC))},
		{name: "rfc2822 without weekday", input: "10 Jun 2003 06:00:00 +0200", want: ptrTime(time.Date(2003, 6, 10, 4, 0, 0, 0, time.UTC))},
		{name: "rfc3339 fallback", input: "2003-06-10T04:00:00Z", want: ptrTime(time.Date(2003, 6, 10, 4, 0, 0, 0, time.UTC))},
		{name: "garbage", input: "yesterday-ish"},
		{name: "empty", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDate(tt.input)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %v, want %v", got, tt.want)
		})
	}
}

func TestUnique(t *testing.T) {
	docs := []*core.Document{
		{ID: "a", Subject: "first"},
		{ID: "b"},
		{ID: "a", Subject: "second"},
	}

	unique := Unique(docs)
	require.Len(t, unique, 2)
	assert.Equal(t, "first", unique[0].Subject)
	assert.Equal(t, "b", unique[1].ID)
}

func ptrTime(t time.Time) *time.Time { return &t }
