package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/poiesic/mailvec"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/loader"
)

type searchRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k,omitempty"` // nil uses the searcher's default
}

type emailResult struct {
	ID      string     `json:"id"`
	Subject string     `json:"subject"`
	Sender  string     `json:"sender"`
	Date    *time.Time `json:"date"`
	Content string     `json:"content"`
	Score   float32    `json:"score"`
}

type conversationResult struct {
	ConversationID string  `json:"conversation_id"`
	EmailCount     int     `json:"email_count"`
	Score          float32 `json:"score"`
}

type conversation struct {
	ConversationID string            `json:"conversation_id"`
	Emails         []json.RawMessage `json:"emails"`
}

type ingestResponse struct {
	Mode           string `json:"mode"`
	Candidates     int    `json:"candidates"`
	NewDocuments   int    `json:"new_documents"`
	Conversations  int    `json:"conversations"`
	EncodeFailures int    `json:"encode_failures"`
	Batches        int    `json:"batches"`
	DurationMs     int64  `json:"duration_ms"`
}

type indexStatus struct {
	Size       int        `json:"size"`
	Generation uint64     `json:"generation"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type runStatus struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Result     *ingestResponse `json:"result"`
	Error      string          `json:"error,omitempty"`
}

type healthResponse struct {
	Status        string       `json:"status"` // ok, degraded, unavailable
	Error         string       `json:"error,omitempty"`
	Documents     int          `json:"documents"`
	Generation    uint64       `json:"generation"`
	Index         *indexStatus `json:"index,omitempty"`
	Conversations *indexStatus `json:"conversation_index,omitempty"`
	LastRun       *runStatus   `json:"last_run,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}

	hits, err := s.searcher.Search(r.Context(), req.Query, *req.K)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}

	results := make([]emailResult, len(hits))
	for i, hit := range hits {
		results[i] = emailResult{
			ID:      hit.Document.ID,
			Subject: hit.Document.Subject,
			Sender:  hit.Document.Sender,
			Date:    hit.Document.Timestamp,
			Content: hit.Document.Content,
			Score:   hit.Score,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSearchConversations(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}

	hits, err := s.searcher.SearchConversations(r.Context(), req.Query, *req.K)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}

	results := make([]conversationResult, len(hits))
	for i, hit := range hits {
		results[i] = conversationResult{
			ConversationID: hit.Aggregate.ConversationID,
			EmailCount:     hit.Aggregate.EmailCount,
			Score:          hit.Score,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	threads, err := s.searcher.ListConversations(r.Context())
	if err != nil {
		s.internalError(w, r, "list conversations failed", err)
		return
	}

	out := make([]conversation, len(threads))
	for i, thread := range threads {
		out[i] = conversation{
			ConversationID: thread.ConversationID,
			Emails:         make([]json.RawMessage, len(thread.Documents)),
		}
		for j, doc := range thread.Documents {
			out[i].Emails[j] = rawRecord(doc)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion is not enabled")
		return
	}
	mode, err := ingestion.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := loader.Load(http.MaxBytesReader(w, r.Body, MaxIngestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.pipeline.Run(r.Context(), docs, mode)
	if err != nil {
		var upsertErr *core.UpsertError
		if errors.As(err, &upsertErr) {
			s.logger.Error("ingestion batch failed", "requestID", requestID(r.Context()), "err", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.internalError(w, r, "ingestion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toIngestResponse(result))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	report, err := s.health.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}

	status, resp := http.StatusOK, toHealthResponse(report)
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// decodeSearch reads a search request and fills in the default k.
// It writes the error response itself and reports whether to continue.
func (s *Server) decodeSearch(w http.ResponseWriter, r *http.Request) (*searchRequest, bool) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return nil, false
	}
	if req.K == nil {
		k := s.searcher.DefaultK()
		req.K = &k
	}
	return &req, true
}

func (s *Server) writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, core.ErrEmptyQuery.Error())
	case errors.Is(err, core.ErrInvalidK):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, "search failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "requestID", requestID(r.Context()), "err", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// rawRecord returns the email as it was ingested, or a record rebuilt from
// the document fields when the original was not kept.
func rawRecord(doc *core.Document) json.RawMessage {
	if json.Valid(doc.Raw) {
		return doc.Raw
	}
	data, _ := json.Marshal(emailResult{
		ID:      doc.ID,
		Subject: doc.Subject,
		Sender:  doc.Sender,
		Date:    doc.Timestamp,
		Content: doc.Content,
	})
	return data
}

func toIngestResponse(result ingestion.Result) *ingestResponse {
	return &ingestResponse{
		Mode:           string(result.Mode),
		Candidates:     result.Candidates,
		NewDocuments:   result.NewDocuments,
		Conversations:  result.Conversations,
		EncodeFailures: result.EncodeFailures,
		Batches:        result.Batches,
		DurationMs:     result.Duration.Milliseconds(),
	}
}

func toHealthResponse(report *mailvec.HealthReport) healthResponse {
	resp := healthResponse{
		Status:        "ok",
		Documents:     report.Documents,
		Generation:    report.Generation,
		Index:         toIndexStatus(report.DocumentIndex.Size, report.DocumentIndex.Generation, report.DocumentIndex.BuiltAt, report.DocumentIndex.LastError),
		Conversations: toIndexStatus(report.ConversationIndex.Size, report.ConversationIndex.Generation, report.ConversationIndex.BuiltAt, report.ConversationIndex.LastError),
	}
	switch {
	case !report.Healthy():
		resp.Status = "unavailable"
		resp.Error = report.StoreErr.Error()
	case !report.Ready():
		resp.Status = "degraded"
	}
	if run := report.LastRun; run != nil {
		resp.LastRun = &runStatus{
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Result:     toIngestResponse(run.Result),
		}
		if run.Err != nil {
			resp.LastRun.Error = run.Err.Error()
		}
	}
	return resp
}

func toIndexStatus(size int, generation uint64, builtAt time.Time, lastErr error) *indexStatus {
	st := &indexStatus{Size: size, Generation: generation}
	if !builtAt.IsZero() {
		st.BuiltAt = &builtAt
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
