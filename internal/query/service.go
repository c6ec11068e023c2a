// Package query dispatches retrieval requests to one of three strategies —
// semantic (vector kNN), metadata (filter-only scan), or full-text — and
// shapes a unified result. The companion download/fulltext endpoints share
// the same core.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mfittko/rag-stack/internal/blob"
	"github.com/mfittko/rag-stack/internal/embedder"
	"github.com/mfittko/rag-stack/internal/errs"
	"github.com/mfittko/rag-stack/internal/filter"
	"github.com/mfittko/rag-stack/internal/ingest"
	"github.com/mfittko/rag-stack/internal/store"
)

// Strategy names accepted on requests and reported in routing info.
const (
	StrategySemantic = "semantic"
	StrategyMetadata = "metadata"
	StrategyFullText = "fulltext"
)

const (
	// defaultTopK is the result count when the caller supplies none.
	defaultTopK = 8
	// maxTopK caps the result count.
	maxTopK = 100
)

// Request is one query input.
type Request struct {
	// Collection scopes the search. Defaults to the default collection.
	Collection string `json:"collection,omitempty"`
	// Query is the natural-language query text.
	Query string `json:"query"`
	// TopK is clamped to [1, 100], defaulting to 8.
	TopK int `json:"topK,omitempty"`
	// Strategy forces a retrieval strategy; empty selects by rule.
	Strategy string `json:"strategy,omitempty"`
	// Filter is the structured filter DSL (or a legacy shape).
	Filter json.RawMessage `json:"filter,omitempty"`
	// MinScore overrides the auto-derived semantic score threshold.
	MinScore *float64 `json:"minScore,omitempty"`
}

// Result is one shaped hit.
type Result struct {
	// ID is the external chunk identifier <baseId>:<chunkIndex>.
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`

	DocType string `json:"docType"`
	Source  string `json:"source"`
	Path    string `json:"path,omitempty"`
	Lang    string `json:"lang,omitempty"`
	ItemURL string `json:"itemUrl,omitempty"`

	Tier1Meta json.RawMessage `json:"tier1Meta,omitempty"`
	Tier2Meta json.RawMessage `json:"tier2Meta,omitempty"`
	Tier3Meta json.RawMessage `json:"tier3Meta,omitempty"`

	EnrichmentStatus string `json:"enrichmentStatus"`

	// Document-level fields joined onto every hit.
	Summary         string `json:"summary,omitempty"`
	SummaryShort    string `json:"summaryShort,omitempty"`
	SummaryMedium   string `json:"summaryMedium,omitempty"`
	SummaryLong     string `json:"summaryLong,omitempty"`
	PayloadChecksum string `json:"payloadChecksum,omitempty"`
}

// Routing reports which strategy served the request.
type Routing struct {
	Strategy   string  `json:"strategy"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
	Ms         int64   `json:"ms"`
}

// Response is the query output.
type Response struct {
	OK      bool     `json:"ok"`
	Results []Result `json:"results"`
	Routing *Routing `json:"routing,omitempty"`
}

// Store is the persistence surface the query service needs.
type Store interface {
	SearchSemantic(ctx context.Context, collection string, embedding []float32, topK int, frag *filter.Fragment) ([]store.SearchResult, error)
	SearchMetadata(ctx context.Context, collection string, topK int, frag *filter.Fragment) ([]store.SearchResult, error)
	SearchFullText(ctx context.Context, collection, query string, topK int, frag *filter.Fragment) ([]store.SearchResult, error)
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ChunksByDocument(ctx context.Context, documentID string) ([]store.Chunk, error)
}

// Service runs queries.
type Service struct {
	store Store
	embed embedder.Embedder
	blobs blob.Store // nil disables raw downloads via blob keys
}

// New constructs the query Service. blobs may be nil.
func New(st Store, embed embedder.Embedder, blobs blob.Store) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("query: store must not be nil")
	}
	if embed == nil {
		return nil, fmt.Errorf("query: embedder must not be nil")
	}
	return &Service{store: st, embed: embed, blobs: blobs}, nil
}

// Query dispatches one request to its strategy and shapes the response.
func (s *Service) Query(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	collection := req.Collection
	if collection == "" {
		collection = ingest.DefaultCollection
	}
	topK := clampTopK(req.TopK)

	parsed, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, err
	}

	strategy, err := resolveStrategy(req, parsed)
	if err != nil {
		return nil, err
	}

	var hits []store.SearchResult
	method := strategy

	switch strategy {
	case StrategySemantic:
		hits, err = s.semantic(ctx, collection, req, parsed, topK)

	case StrategyMetadata:
		frag, ferr := filter.Compile(parsed, 2)
		if ferr != nil {
			return nil, ferr
		}
		hits, err = s.store.SearchMetadata(ctx, collection, topK, frag)

	case StrategyFullText:
		frag, ferr := filter.Compile(parsed, 3)
		if ferr != nil {
			return nil, ferr
		}
		hits, err = s.store.SearchFullText(ctx, collection, req.Query, topK, frag)
		method = "tsquery+ilike"
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{
		OK:      true,
		Results: shapeResults(hits),
		Routing: &Routing{
			Strategy:   strategy,
			Method:     method,
			Confidence: routingConfidence(strategy, len(hits)),
			Ms:         time.Since(start).Milliseconds(),
		},
	}
	return resp, nil
}

// semantic embeds the query once and runs the kNN scan, applying the
// minimum-score threshold.
func (s *Service) semantic(ctx context.Context, collection string, req *Request, parsed *filter.Filter, topK int) ([]store.SearchResult, error) {
	if req.Query == "" {
		return nil, errs.New(errs.KindUnprocessable, "semantic query requires non-empty query text")
	}

	vectors, err := s.embed.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}

	frag, err := filter.Compile(parsed, 3)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.SearchSemantic(ctx, collection, vectors[0], topK, frag)
	if err != nil {
		return nil, err
	}

	minScore := AutoMinScore(req.Query)
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	filtered := make([]store.SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Score >= minScore {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// resolveStrategy picks the strategy: caller request wins, otherwise an
// empty query with a filter routes to metadata and everything else to
// semantic.
func resolveStrategy(req *Request, parsed *filter.Filter) (string, error) {
	switch req.Strategy {
	case StrategySemantic, StrategyMetadata, StrategyFullText:
		return req.Strategy, nil
	case "":
	default:
		return "", errs.New(errs.KindBadRequest, "unknown strategy %q", req.Strategy)
	}

	if req.Query == "" {
		if len(parsed.Conditions) == 0 {
			return "", errs.New(errs.KindUnprocessable, "query text or filter required")
		}
		return StrategyMetadata, nil
	}
	return StrategySemantic, nil
}

// routingConfidence is a coarse signal for callers: full confidence for
// deterministic scans, hit-dependent for semantic.
func routingConfidence(strategy string, hits int) float64 {
	if strategy != StrategySemantic {
		return 1.0
	}
	if hits == 0 {
		return 0.0
	}
	return 0.9
}

// shapeResults converts store rows to the wire shape, preserving rank order.
func shapeResults(hits []store.SearchResult) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:               h.Document.BaseID + ":" + strconv.Itoa(h.Chunk.ChunkIndex),
			Score:            h.Score,
			Text:             h.Chunk.Text,
			DocType:          h.Chunk.DocType,
			Source:           h.Chunk.Source,
			Path:             h.Chunk.Path,
			Lang:             h.Chunk.Lang,
			ItemURL:          h.Chunk.ItemURL,
			Tier1Meta:        h.Chunk.Tier1Meta,
			Tier2Meta:        h.Chunk.Tier2Meta,
			Tier3Meta:        h.Chunk.Tier3Meta,
			EnrichmentStatus: h.Chunk.EnrichmentStatus,
			Summary:          h.Document.Summary,
			SummaryShort:     h.Document.SummaryShort,
			SummaryMedium:    h.Document.SummaryMedium,
			SummaryLong:      h.Document.SummaryLong,
			PayloadChecksum:  h.Document.PayloadChecksum,
		})
	}
	return out
}

// clampTopK applies the [1, 100] clamp with the default of 8.
func clampTopK(k int) int {
	switch {
	case k <= 0:
		return defaultTopK
	case k > maxTopK:
		return maxTopK
	default:
		return k
	}
}

// DownloadFirst returns the raw bytes of the top-ranked document for the
// request: inline raw data when present, otherwise via the blob store.
func (s *Service) DownloadFirst(ctx context.Context, req *Request) ([]byte, string, error) {
	doc, err := s.firstDocument(ctx, req)
	if err != nil {
		return nil, "", err
	}

	full, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, "", err
	}

	switch {
	case len(full.RawData) > 0:
		return full.RawData, full.MimeType, nil
	case full.RawKey != "":
		if s.blobs == nil {
			return nil, "", errs.New(errs.KindBlobStoreUnavailable, "document raw payload is off-loaded but no blob store is configured")
		}
		data, err := s.blobs.Get(ctx, full.RawKey)
		if err != nil {
			return nil, "", err
		}
		return data, full.MimeType, nil
	default:
		return nil, "", errs.New(errs.KindNotFound, "document has no raw payload")
	}
}

// FulltextFirst returns the concatenated chunk text of the top-ranked
// document.
func (s *Service) FulltextFirst(ctx context.Context, req *Request) (string, error) {
	doc, err := s.firstDocument(ctx, req)
	if err != nil {
		return "", err
	}

	chunks, err := s.store.ChunksByDocument(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", errs.New(errs.KindNotFound, "document has no chunks")
	}

	text := ""
	for i, c := range chunks {
		if i > 0 {
			text += "\n\n"
		}
		text += c.Text
	}
	return text, nil
}

// firstDocument runs the query with topK=1 and returns the owning document
// of the top hit.
func (s *Service) firstDocument(ctx context.Context, req *Request) (*store.Document, error) {
	scoped := *req
	scoped.TopK = 1

	hit, err := s.rawFirstHit(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	return &hit.Document, nil
}

// rawFirstHit runs the scoped query and returns the raw top hit.
func (s *Service) rawFirstHit(ctx context.Context, req *Request) (*store.SearchResult, error) {
	collection := req.Collection
	if collection == "" {
		collection = ingest.DefaultCollection
	}
	parsed, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, err
	}
	strategy, err := resolveStrategy(req, parsed)
	if err != nil {
		return nil, err
	}

	var hits []store.SearchResult
	switch strategy {
	case StrategySemantic:
		hits, err = s.semantic(ctx, collection, req, parsed, 1)
	case StrategyMetadata:
		frag, ferr := filter.Compile(parsed, 2)
		if ferr != nil {
			return nil, ferr
		}
		hits, err = s.store.SearchMetadata(ctx, collection, 1, frag)
	case StrategyFullText:
		frag, ferr := filter.Compile(parsed, 3)
		if ferr != nil {
			return nil, ferr
		}
		hits, err = s.store.SearchFullText(ctx, collection, req.Query, 1, frag)
	}
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, errs.New(errs.KindNotFound, "no matching document")
	}
	return &hits[0], nil
}
