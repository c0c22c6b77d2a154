package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poiesic/mailvec"
	"github.com/poiesic/mailvec/ai/mock"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/search"
	"github.com/poiesic/mailvec/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollection = `[
  {"conversation_id": "t1", "emails": [
    {"id": "e1", "subject": "Budget", "from": "ann@example.com", "date": "Mon, 02 Jan 2023 15:04:05 -0700", "content": "Q3 budget review", "order": 1},
    {"id": "e2", "subject": "Re: Budget", "from": "bob@example.com", "date": "Tue, 03 Jan 2023 09:00:00 -0700", "content": "Numbers attached", "order": 2}
  ]},
  {"conversation_id": "t2", "emails": [
    {"id": "e3", "subject": "Offsite", "sender": "cid@example.com", "content": "Venue options"}
  ]}
]`

type testServer struct {
	db       *mailvec.Database
	searcher *search.Searcher
	pipeline *ingestion.Pipeline
	server   *Server
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)

	db, err := mailvec.NewDatabase("", mailvec.WithStore(store), mailvec.WithAIProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pipeline, err := db.NewIngestionPipeline(ingestion.WithPoolSize(2))
	require.NoError(t, err)
	t.Cleanup(pipeline.Release)

	searcher, err := db.NewSearcher()
	require.NoError(t, err)

	opts = append([]Option{WithPipeline(pipeline), WithHealth(db)}, opts...)
	server, err := NewServer(searcher, opts...)
	require.NoError(t, err)

	return &testServer{db: db, searcher: searcher, pipeline: pipeline, server: server}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) ingest(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/ingest", testCollection)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil)
	assert.ErrorIs(t, err, ErrSearcherRequired)
}

func TestIngest(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/ingest", testCollection)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "create", resp.Mode)
	assert.Equal(t, 3, resp.NewDocuments)
	assert.Equal(t, 2, resp.Conversations)

	// Re-posting the same collection inserts nothing
	rec = ts.do(t, http.MethodPost, "/ingest?mode=update", testCollection)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, "update", resp.Mode)
	assert.Zero(t, resp.NewDocuments)
}

func TestIngestErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed json", "/ingest", `[{"conversation_id":`, http.StatusBadRequest},
		{"not an array", "/ingest", `{"emails": []}`, http.StatusBadRequest},
		{"unknown mode", "/ingest?mode=replace", `[]`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body["error"])
		})
	}

	count, err := ts.db.Store().CountDocuments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngestDisabled(t *testing.T) {
	ts := setupTestServer(t)
	server, err := NewServer(ts.searcher)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testCollection))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearch(t *testing.T) {
	ts := setupTestServer(t)
	ts.ingest(t)

	query := (&core.Document{Sender: "cid@example.com", Subject: "Offsite", Content: "Venue options"}).EmbeddingText()
	body, err := json.Marshal(map[string]any{"query": query, "k": 2})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/search", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results []emailResult `json:"results"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "e3", resp.Results[0].ID)
	assert.Equal(t, "Offsite", resp.Results[0].Subject)
	assert.Equal(t, "cid@example.com", resp.Results[0].Sender)
	assert.Equal(t, "Venue options", resp.Results[0].Content)
	assert.Nil(t, resp.Results[0].Date)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-5)
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSearchDefaultK(t *testing.T) {
	ts := setupTestServer(t)
	ts.ingest(t)

	rec := ts.do(t, http.MethodPost, "/search", `{"query": "budget"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []emailResult `json:"results"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Results, 3, "default k exceeds the index size")
}

func TestSearchEmptyIndex(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/search", `{"query": "anything", "k": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results": []}`, rec.Body.String())
}

func TestSearchErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"empty query", `{"query": ""}`, http.StatusBadRequest, "empty query"},
		{"whitespace query", `{"query": "  \t"}`, http.StatusBadRequest, "empty query"},
		{"zero k", `{"query": "budget", "k": 0}`, http.StatusBadRequest, core.ErrInvalidK.Error()},
		{"negative k", `{"query": "budget", "k": -3}`, http.StatusBadRequest, core.ErrInvalidK.Error()},
		{"malformed body", `{"query":`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/search", tt.body)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.Contains(t, body["error"], tt.errMsg)
		})
	}
}

func TestSearchEmbedderFailure(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("embedding service down")
	}
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	searcher, err := search.NewSearcher(store, mock.NewMockProviderWithEmbedder(embedder))
	require.NoError(t, err)
	server, err := NewServer(searcher)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query": "budget"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "embedding service down")
}

func TestSearchConversations(t *testing.T) {
	ts := setupTestServer(t)
	ts.ingest(t)

	query := (&core.Document{Sender: "cid@example.com", Subject: "Offsite", Content: "Venue options"}).EmbeddingText()
	body, err := json.Marshal(map[string]any{"query": query})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/search/conversations", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []conversationResult `json:"results"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "t2", resp.Results[0].ConversationID)
	assert.Equal(t, 1, resp.Results[0].EmailCount)
	assert.Equal(t, "t1", resp.Results[1].ConversationID)
	assert.Equal(t, 2, resp.Results[1].EmailCount)
}

func TestConversations(t *testing.T) {
	ts := setupTestServer(t)
	ts.ingest(t)

	rec := ts.do(t, http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []struct {
			ConversationID string           `json:"conversation_id"`
			Emails         []map[string]any `json:"emails"`
		} `json:"conversations"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Conversations, 2)

	// Dated emails come first, so t1 is seen before the undated t2
	assert.Equal(t, "t1", resp.Conversations[0].ConversationID)
	require.Len(t, resp.Conversations[0].Emails, 2)
	assert.Equal(t, "e1", resp.Conversations[0].Emails[0]["id"])
	assert.Equal(t, "e2", resp.Conversations[0].Emails[1]["id"])
	assert.Equal(t, "t2", resp.Conversations[1].ConversationID)
	assert.Equal(t, "cid@example.com", resp.Conversations[1].Emails[0]["sender"])
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.LastRun)

	ts.ingest(t)

	rec = ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = healthResponse{}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Documents)
	require.NotNil(t, resp.Index)
	assert.Equal(t, 3, resp.Index.Size)
	assert.Equal(t, resp.Generation, resp.Index.Generation)
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, 3, resp.LastRun.Result.NewDocuments)
	assert.Empty(t, resp.LastRun.Error)
}

func TestHealthStoreClosed(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, ts.db.Close())

	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "unavailable", resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestHealthWithoutChecker(t *testing.T) {
	ts := setupTestServer(t)
	server, err := NewServer(ts.searcher)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","documents":0,"generation":0}`, rec.Body.String())
}

func TestRequestID(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("generated", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/health", "")
		assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRun(t *testing.T) {
	ts := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ts.server.Run(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusTeapot, "short and stout")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	var buf bytes.Buffer
	require.NoError(t, json.Compact(&buf, rec.Body.Bytes()))
	assert.Equal(t, `{"error":"short and stout"}`, buf.String())
}
