package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mfittko/rag-stack/internal/enrich"
	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/fetcher"
	"github.com/mfittko/rag-stack/internal/graph"
	"github.com/mfittko/rag-stack/internal/ingest"
	"github.com/mfittko/rag-stack/internal/query"
	"github.com/mfittko/rag-stack/internal/store"
)

// fakeIngester returns a canned ingestion response.
type fakeIngester struct {
	resp *ingest.Response
	err  error
}

func (f *fakeIngester) Ingest(context.Context, *ingest.Request) (*ingest.Response, error) {
	return f.resp, f.err
}

func (f *fakeIngester) EnqueueForBase(context.Context, *store.Document, string) (int, error) {
	return 3, nil
}

// fakeQuerier returns a canned query response.
type fakeQuerier struct {
	resp *query.Response
	err  error
}

func (f *fakeQuerier) Query(context.Context, *query.Request) (*query.Response, error) {
	return f.resp, f.err
}

func (f *fakeQuerier) DownloadFirst(context.Context, *query.Request) ([]byte, string, error) {
	return []byte("raw"), "text/plain", f.err
}

func (f *fakeQuerier) FulltextFirst(context.Context, *query.Request) (string, error) {
	return "full text", f.err
}

// fakeEnricher implements Enricher with canned behaviour.
type fakeEnricher struct {
	claimed *enrich.Claimed
	status  *enrich.StatusResponse
	errOn   string
}

func (f *fakeEnricher) Claim(context.Context, string) (*enrich.Claimed, error) {
	return f.claimed, nil
}

func (f *fakeEnricher) SubmitResult(_ context.Context, _ string, res *enrich.Result) error {
	if f.errOn == "result" {
		return errs.New(errs.KindChunkIDInvalid, "chunk id %q is not <baseId>:<index>", res.ChunkID)
	}
	return nil
}

func (f *fakeEnricher) Fail(context.Context, string, *enrich.Failure) (bool, error) {
	return true, nil
}

func (f *fakeEnricher) RecoverStale(context.Context) (int, error) { return 2, nil }

func (f *fakeEnricher) Stats(context.Context, string, string) (*store.QueueStats, error) {
	return &store.QueueStats{Tasks: map[string]int{"pending": 1}, Chunks: map[string]int{"pending": 1}}, nil
}

func (f *fakeEnricher) Status(context.Context, string, string) (*enrich.StatusResponse, error) {
	if f.status == nil {
		return nil, errs.New(errs.KindNotFound, "document not found")
	}
	return f.status, nil
}

func (f *fakeEnricher) Clear(context.Context, string, string) (int, error) { return 5, nil }

// fakeExpander returns a canned expansion.
type fakeExpander struct {
	exp *graph.Expansion
}

func (f *fakeExpander) Expand(_ context.Context, name string, _ int) (*graph.Expansion, error) {
	if f.exp == nil {
		return nil, errs.New(errs.KindNotFound, "entity %q not found", name)
	}
	return f.exp, nil
}

// fakeDocs implements DocReader.
type fakeDocs struct {
	doc *store.Document
}

func (f *fakeDocs) GetDocumentByBaseID(context.Context, string, string) (*store.Document, error) {
	if f.doc == nil {
		return nil, errs.New(errs.KindNotFound, "document not found")
	}
	return f.doc, nil
}

func (f *fakeDocs) CollectionStats(context.Context) ([]store.CollectionStat, error) {
	return []store.CollectionStat{{Collection: "default", Documents: 2, Chunks: 9}}, nil
}

// testServer wires a Server over the given fakes with small defaults.
func testServer(t *testing.T, cfg *Config, ing Ingester, q Querier, e Enricher, x Expander, d DocReader) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if ing == nil {
		ing = &fakeIngester{resp: &ingest.Response{OK: true}}
	}
	if q == nil {
		q = &fakeQuerier{resp: &query.Response{OK: true}}
	}
	if e == nil {
		e = &fakeEnricher{}
	}
	if x == nil {
		x = &fakeExpander{}
	}
	if d == nil {
		d = &fakeDocs{}
	}
	srv, err := New(ing, q, e, x, d, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.stopRL)
	return srv
}

// do runs one request through the full middleware chain.
func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := testServer(t, &Config{APIToken: "secret"}, nil, nil, nil, nil, nil)

	// No Authorization header: /healthz must still answer.
	w := do(t, srv, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || !body["ok"] {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestIngest_Success(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{resp: &ingest.Response{
		OK:       true,
		Upserted: 1,
		Documents: []ingest.DocResult{
			{BaseID: "b1", DocumentID: "d1", Chunks: 1},
		},
	}}
	srv := testServer(t, nil, ing, nil, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/ingest", `{"items":[{"text":"hello world","source":"x.txt"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp ingest.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Upserted != 1 {
		t.Errorf("upserted: %d", resp.Upserted)
	}
}

func TestIngest_SSRFBlockedURL(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{resp: &ingest.Response{
		OK:       true,
		Upserted: 0,
		Errors:   []fetcher.FetchError{{URL: "http://127.0.0.1/", Reason: "ssrf_blocked"}},
	}}
	srv := testServer(t, nil, ing, nil, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/ingest", `{"items":[{"url":"http://127.0.0.1/"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ssrf_blocked") {
		t.Errorf("body should carry the per-URL error: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"upserted":0`) {
		t.Errorf("body should report zero upserts: %s", w.Body.String())
	}
}

func TestIngest_EmptyItemsRejected(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, nil, nil)
	w := do(t, srv, http.MethodPost, "/ingest", `{"items":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: want 400, got %d", w.Code)
	}
}

func TestIngest_BodyLimit413(t *testing.T) {
	t.Parallel()

	srv := testServer(t, &Config{BodyLimitBytes: 64}, nil, nil, nil, nil, nil)
	big := `{"items":[{"text":"` + strings.Repeat("x", 200) + `"}]}`
	w := do(t, srv, http.MethodPost, "/ingest", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: want 413, got %d", w.Code)
	}
}

func TestQuery_FilterValidationIs400(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{err: errs.New(errs.KindFilterValidation, "unknown filter field %q", "nope")}
	srv := testServer(t, nil, nil, q, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/query", `{"query":"x","filter":{"conditions":[{"field":"nope","op":"eq","value":1}]}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: want 400, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("error shape must be {\"error\": msg}")
	}
}

func TestQuery_EmptyQueryIs422(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{err: errs.New(errs.KindUnprocessable, "query text or filter required")}
	srv := testServer(t, nil, nil, q, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/query", `{}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status: want 422, got %d", w.Code)
	}
}

func TestDownloadFirst_404WhenNoMatch(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{err: errs.New(errs.KindNotFound, "no matching document")}
	srv := testServer(t, nil, nil, q, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/query/download-first", `{"query":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: want 404, got %d", w.Code)
	}
}

func TestDownloadFirst_502OnBlobFailure(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{err: errs.New(errs.KindBlobStoreUnavailable, "blob store read failed")}
	srv := testServer(t, nil, nil, q, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/query/download-first", `{"query":"x"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status: want 502, got %d", w.Code)
	}
}

func TestCollections(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, nil, nil)
	w := do(t, srv, http.MethodGet, "/collections", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"default"`) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestTaskClaim_204WhenEmpty(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, &fakeEnricher{claimed: nil}, nil, nil)
	w := do(t, srv, http.MethodPost, "/internal/tasks/claim", `{"workerId":"w1"}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("status: want 204, got %d", w.Code)
	}
}

func TestTaskClaim_ReturnsTask(t *testing.T) {
	t.Parallel()

	e := &fakeEnricher{claimed: &enrich.Claimed{
		TaskID: "t1", Attempt: 1, MaxAttempts: 3,
		Payload:        json.RawMessage(`{"chunkId":"b:0"}`),
		DocumentChunks: []string{"alpha"},
	}}
	srv := testServer(t, nil, nil, nil, e, nil, nil)

	w := do(t, srv, http.MethodPost, "/internal/tasks/claim", `{"workerId":"w1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var claimed enrich.Claimed
	if err := json.Unmarshal(w.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if claimed.TaskID != "t1" || len(claimed.DocumentChunks) != 1 {
		t.Errorf("claimed: %+v", claimed)
	}
}

func TestTaskResult_BadChunkIDIs400(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, &fakeEnricher{errOn: "result"}, nil, nil)
	w := do(t, srv, http.MethodPost, "/internal/tasks/t1/result", `{"chunkId":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: want 400, got %d", w.Code)
	}
}

func TestTaskFail(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, nil, nil)
	w := do(t, srv, http.MethodPost, "/internal/tasks/t1/fail", `{"message":"boom"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"final":true`) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, nil, nil)
	w := do(t, srv, http.MethodPost, "/internal/tasks/recover-stale", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"recovered":2`) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestEnrichmentStatus_404(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, &fakeEnricher{status: nil}, nil, nil)
	w := do(t, srv, http.MethodGet, "/enrichment/status/missing-doc", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status: want 404, got %d", w.Code)
	}
}

func TestGraphEntity_404(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, &fakeExpander{exp: nil}, nil)
	w := do(t, srv, http.MethodGet, "/graph/entity/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status: want 404, got %d", w.Code)
	}
}

func TestGraphEntity_BadDepth(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil, nil, nil, nil, nil, nil)
	w := do(t, srv, http.MethodGet, "/graph/entity/x?depth=banana", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: want 400, got %d", w.Code)
	}
}

func TestAuthEnforcedOnProtectedRoutes(t *testing.T) {
	t.Parallel()

	srv := testServer(t, &Config{APIToken: "secret"}, nil, nil, nil, nil, nil)

	w := do(t, srv, http.MethodPost, "/query", `{"query":"x"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /query: want 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewReader([]byte(`{"query":"x"}`)))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated /query: want 200, got %d", rec.Code)
	}
}
