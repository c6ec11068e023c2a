package server

import (
	"net/http"
	"strconv"

	"github.com/mfittko/rag-stack/internal/enrich"
	"github.com/mfittko/rag-stack/internal/ingest"
	"github.com/mfittko/rag-stack/internal/query"
	"github.com/mfittko/rag-stack/internal/store"
)

// handleIngest handles POST /ingest.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty")
		return
	}

	resp, err := s.ingester.Ingest(r.Context(), &req)
	if err != nil {
		s.metrics.ingestDocumentsTotal.WithLabelValues("error").Inc()
		respondError(w, r, err)
		return
	}

	s.metrics.ingestDocumentsTotal.WithLabelValues("upserted").Add(float64(resp.Upserted))
	writeJSON(w, http.StatusOK, resp)
}

// handleQuery handles POST /query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.querier.Query(r.Context(), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if resp.Routing != nil {
		s.metrics.queryRequestsTotal.WithLabelValues(resp.Routing.Strategy).Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownloadFirst handles POST /query/download-first: the raw bytes of
// the top-ranked document.
func (s *Server) handleDownloadFirst(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	data, mimeType, err := s.querier.DownloadFirst(r.Context(), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleFulltextFirst handles POST /query/fulltext-first: the concatenated
// chunk text of the top-ranked document.
func (s *Server) handleFulltextFirst(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	text, err := s.querier.FulltextFirst(r.Context(), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "text": text})
}

// handleCollections handles GET /collections: per-collection document and
// chunk counts.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	stats, err := s.docs.CollectionStats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if stats == nil {
		stats = []store.CollectionStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "collections": stats})
}

// handleEnrichmentStatus handles GET /enrichment/status/{baseId}.
func (s *Server) handleEnrichmentStatus(w http.ResponseWriter, r *http.Request) {
	baseID := r.PathValue("baseId")
	collection := r.URL.Query().Get("collection")

	status, err := s.enricher.Status(r.Context(), baseID, collection)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleEnrichmentStats handles GET /enrichment/stats.
func (s *Server) handleEnrichmentStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := s.enricher.Stats(r.Context(), q.Get("collection"), q.Get("filter"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEnrichmentEnqueue handles POST /enrichment/enqueue: enqueue tasks
// for an already-ingested document by base id.
func (s *Server) handleEnrichmentEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BaseID == "" {
		writeError(w, http.StatusBadRequest, "baseId is required")
		return
	}

	collection := req.Collection
	if collection == "" {
		collection = ingest.DefaultCollection
	}

	doc, err := s.docs.GetDocumentByBaseID(r.Context(), req.BaseID, collection)
	if err != nil {
		respondError(w, r, err)
		return
	}

	n, err := s.ingester.EnqueueForBase(r.Context(), doc, collection)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enqueued": n})
}

// handleEnrichmentClear handles POST /enrichment/clear: delete queued tasks.
func (s *Server) handleEnrichmentClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := s.enricher.Clear(r.Context(), req.Collection, req.Filter)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": n})
}

// handleTaskClaim handles POST /internal/tasks/claim. Responds 204 when the
// queue has no eligible task.
func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}

	claimed, err := s.enricher.Claim(r.Context(), req.WorkerID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.metrics.tasksClaimedTotal.Inc()
	writeJSON(w, http.StatusOK, claimed)
}

// handleTaskResult handles POST /internal/tasks/{id}/result.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var res enrich.Result
	if !decodeJSON(w, r, &res) {
		return
	}

	if err := s.enricher.SubmitResult(r.Context(), taskID, &res); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskFail handles POST /internal/tasks/{id}/fail.
func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var failure enrich.Failure
	if !decodeJSON(w, r, &failure) {
		return
	}

	final, err := s.enricher.Fail(r.Context(), taskID, &failure)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "final": final})
}

// handleTaskRecoverStale handles POST /internal/tasks/recover-stale.
func (s *Server) handleTaskRecoverStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.enricher.RecoverStale(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "recovered": n})
}

// handleGraphEntity handles GET /graph/entity/{name}.
func (s *Server) handleGraphEntity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	depth := 0
	if d := r.URL.Query().Get("depth"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		depth = parsed
	}

	exp, err := s.expander.Expand(r.Context(), name, depth)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
