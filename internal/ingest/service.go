package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mfittko/rag-stack/internal/blob"
	"github.com/mfittko/rag-stack/internal/chunker"
	"github.com/mfittko/rag-stack/internal/embedder"
	"github.com/mfittko/rag-stack/internal/fetcher"
	"github.com/mfittko/rag-stack/internal/logging"
	"github.com/mfittko/rag-stack/internal/store"
)

const (
	// DefaultCollection is used when a request names no collection.
	DefaultCollection = "default"

	// enqueueBatchSize bounds tasks inserted per transaction.
	enqueueBatchSize = 100

	// chunkPageSize bounds chunk rows loaded per enqueue page.
	chunkPageSize = 1000
)

// Item is one ingestion input: either text with a source, or a URL to fetch.
type Item struct {
	// Text is the content to ingest. Mutually exclusive with URL.
	Text string `json:"text,omitempty"`
	// URL is fetched when Text is empty.
	URL string `json:"url,omitempty"`
	// Source labels the origin of a text item (file path, identifier).
	Source string `json:"source,omitempty"`
	// BaseID overrides the derived document base identifier.
	BaseID string `json:"baseId,omitempty"`
	// DocType overrides classification.
	DocType string `json:"docType,omitempty"`
	// Path, Lang, RepoID, RepoURL, ItemURL are optional chunk annotations.
	Path    string `json:"path,omitempty"`
	Lang    string `json:"lang,omitempty"`
	RepoID  string `json:"repoId,omitempty"`
	RepoURL string `json:"repoUrl,omitempty"`
	ItemURL string `json:"itemUrl,omitempty"`
}

// Request is the ingestion input.
type Request struct {
	// Collection namespaces the documents. Defaults to DefaultCollection.
	Collection string `json:"collection,omitempty"`
	// Items are processed in order; commit order equals item order.
	Items []Item `json:"items"`
	// Enrich requests enrichment task enqueue (still gated by config).
	Enrich bool `json:"enrich,omitempty"`
	// Overwrite replaces content and chunks of already-known documents.
	Overwrite bool `json:"overwrite,omitempty"`
}

// DocResult reports one upserted document.
type DocResult struct {
	BaseID     string `json:"baseId"`
	DocumentID string `json:"documentId"`
	Collection string `json:"collection"`
	Source     string `json:"source"`
	DocType    string `json:"docType"`
	Chunks     int    `json:"chunks"`
	// Refreshed is true when the document already existed and only its
	// last_seen was bumped.
	Refreshed bool `json:"refreshed,omitempty"`
}

// Response is the ingestion output. Partial success is the normal mode.
type Response struct {
	OK        bool                 `json:"ok"`
	Upserted  int                  `json:"upserted"`
	Documents []DocResult          `json:"documents"`
	Errors    []fetcher.FetchError `json:"errors,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Store is the persistence surface the ingestion service needs.
type Store interface {
	UpsertDocument(ctx context.Context, doc *store.Document, overwrite bool) (*store.Document, bool, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []store.Chunk) error
	ChunkRefsPage(ctx context.Context, documentID string, afterIndex, limit int) ([]store.ChunkRef, error)
	EnqueueTasks(ctx context.Context, payloads []store.TaskPayload, chunkIDs []string) (int, error)
}

// Fetcher resolves URL items.
type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) (map[string]*fetcher.Result, []fetcher.FetchError)
}

// Config carries the ingestion-relevant settings.
type Config struct {
	// EnrichmentEnabled globally gates task enqueue.
	EnrichmentEnabled bool
	// BlobThresholdBytes is the raw-payload size above which payloads are
	// off-loaded when a blob store is present.
	BlobThresholdBytes int
}

// Service orchestrates the ingestion pipeline.
type Service struct {
	store  Store
	embed  embedder.Embedder
	fetch  Fetcher
	chunks *chunker.Chunker
	blobs  blob.Store // nil disables the raw-payload fallback
	cfg    Config
}

// New constructs the ingestion Service. blobs may be nil.
func New(st Store, embed embedder.Embedder, fetch Fetcher, blobs blob.Store, cfg Config) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("ingest: store must not be nil")
	}
	if embed == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil")
	}
	if fetch == nil {
		return nil, fmt.Errorf("ingest: fetcher must not be nil")
	}
	return &Service{
		store:  st,
		embed:  embed,
		fetch:  fetch,
		chunks: chunker.New(chunker.DefaultWindow, chunker.DefaultOverlap),
		blobs:  blobs,
		cfg:    cfg,
	}, nil
}

// Ingest runs the pipeline for one request. URL items are fetched up front
// in one bounded-parallel batch; items are then committed in request order.
// Per-item failures land in Errors; an embedding backend failure aborts the
// remaining items (already-committed ones stay committed).
func (s *Service) Ingest(ctx context.Context, req *Request) (*Response, error) {
	log := logging.FromContext(ctx)

	collection := req.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	resp := &Response{OK: true}

	// Resolve URL items first; failures become per-URL error entries.
	var urls []string
	for _, item := range req.Items {
		if item.Text == "" && item.URL != "" {
			urls = append(urls, item.URL)
		}
	}
	fetched := map[string]*fetcher.Result{}
	if len(urls) > 0 {
		var fetchErrs []fetcher.FetchError
		fetched, fetchErrs = s.fetch.FetchAll(ctx, urls)
		resp.Errors = append(resp.Errors, fetchErrs...)
	}

	for i := range req.Items {
		item := &req.Items[i]

		text, source, contentType, ok := s.resolveItem(item, fetched, resp)
		if !ok {
			continue
		}

		result, err := s.ingestItem(ctx, collection, item, text, source, contentType, req.Overwrite)
		if err != nil {
			return nil, err // embedding/storage failure: abort remaining items
		}
		resp.Documents = append(resp.Documents, *result)
		resp.Upserted++

		if req.Enrich && s.cfg.EnrichmentEnabled && !result.Refreshed {
			doc := &store.Document{ID: result.DocumentID, BaseID: result.BaseID, Source: source}
			if _, err := s.enqueueDocument(ctx, doc, collection); err != nil {
				// The upsert is committed; enqueue failure is a warning, not a rollback.
				log.Warn("ingest: enqueue failed",
					slog.String("base_id", result.BaseID),
					slog.Any("error", err),
				)
				resp.Warnings = append(resp.Warnings,
					fmt.Sprintf("enrichment enqueue failed for %s: %v", result.BaseID, err))
			}
		}
	}

	return resp, nil
}

// resolveItem produces the text, source, and content type for one item, or
// records an error entry and returns ok=false.
func (s *Service) resolveItem(item *Item, fetched map[string]*fetcher.Result, resp *Response) (text, source, contentType string, ok bool) {
	switch {
	case item.Text != "":
		source = item.Source
		if source == "" {
			source = item.URL
		}
		return item.Text, source, "", true

	case item.URL != "":
		res, found := fetched[item.URL]
		if !found {
			// Fetch error already recorded by FetchAll.
			return "", "", "", false
		}
		return string(res.Body), item.URL, res.ContentType, true

	default:
		resp.Errors = append(resp.Errors, fetcher.FetchError{
			URL:    item.Source,
			Reason: "invalid_item",
			Detail: "item has neither text nor url",
		})
		return "", "", "", false
	}
}

// ingestItem runs classify → tier1 → chunk → embed → upsert → replace for a
// single resolved item.
func (s *Service) ingestItem(ctx context.Context, collection string, item *Item, text, source, contentType string, overwrite bool) (*DocResult, error) {
	docType := ClassifyDocType(item.DocType, source, contentType, text)
	tier1 := ExtractTier1(docType, text, source)
	identity := IdentityKey(source)
	if identity == "" {
		identity = "text:" + strconv.Itoa(len(text)) + ":" + firstN(text, 64)
	}

	pieces := s.chunks.Split(text)

	vectors, err := s.embed.Embed(ctx, pieces)
	if err != nil {
		return nil, err
	}

	// The raw payload either stays inline or is off-loaded to the blob store
	// under a key derived from the (pre-generated) document id. On a
	// conflicting re-ingest without overwrite the existing row keeps its own
	// raw columns and the freshly written object is simply unused.
	docID := uuid.NewString()
	var rawData []byte
	var rawKey string
	if s.blobs != nil && s.cfg.BlobThresholdBytes > 0 && len(text) > s.cfg.BlobThresholdBytes {
		rawKey = blob.RawKey(docID)
		if err := s.blobs.Put(ctx, rawKey, []byte(text), contentType); err != nil {
			return nil, err
		}
	} else {
		rawData = []byte(text)
	}

	checksum := sha256.Sum256([]byte(text))

	doc := &store.Document{
		ID:              docID,
		BaseID:          item.BaseID,
		Collection:      collection,
		Source:          source,
		IdentityKey:     identity,
		MimeType:        mimeFromContentType(contentType),
		RawData:         rawData,
		RawKey:          rawKey,
		PayloadChecksum: hex.EncodeToString(checksum[:]),
	}
	upserted, created, err := s.store.UpsertDocument(ctx, doc, overwrite)
	if err != nil {
		return nil, err
	}

	result := &DocResult{
		BaseID:     upserted.BaseID,
		DocumentID: upserted.ID,
		Collection: collection,
		Source:     source,
		DocType:    docType,
		Chunks:     len(pieces),
	}

	// Existing document without overwrite: last_seen refresh only.
	if !created && !overwrite {
		result.Refreshed = true
		return result, nil
	}

	lang := item.Lang
	if lang == "" {
		lang = LangForSource(source)
	}

	rows := make([]store.Chunk, len(pieces))
	for i, piece := range pieces {
		rows[i] = store.Chunk{
			ChunkIndex: i,
			Text:       piece,
			Embedding:  vectors[i],
			DocType:    docType,
			Source:     source,
			Path:       item.Path,
			Lang:       lang,
			RepoID:     item.RepoID,
			RepoURL:    item.RepoURL,
			ItemURL:    item.ItemURL,
			Tier1Meta:  tier1,
		}
	}
	if err := s.store.ReplaceChunks(ctx, upserted.ID, rows); err != nil {
		return nil, err
	}

	return result, nil
}

// enqueueDocument pages through the document's chunks and enqueues one task
// per chunk in batches, bounding both memory and transaction size.
func (s *Service) enqueueDocument(ctx context.Context, doc *store.Document, collection string) (int, error) {
	total := 0
	after := -1

	for {
		refs, err := s.store.ChunkRefsPage(ctx, doc.ID, after, chunkPageSize)
		if err != nil {
			return total, err
		}
		if len(refs) == 0 {
			return total, nil
		}

		for start := 0; start < len(refs); start += enqueueBatchSize {
			end := start + enqueueBatchSize
			if end > len(refs) {
				end = len(refs)
			}
			payloads := make([]store.TaskPayload, 0, end-start)
			chunkIDs := make([]string, 0, end-start)
			for _, ref := range refs[start:end] {
				payloads = append(payloads, store.TaskPayload{
					ChunkID:    doc.BaseID + ":" + strconv.Itoa(ref.ChunkIndex),
					BaseID:     doc.BaseID,
					ChunkIndex: ref.ChunkIndex,
					Collection: collection,
					DocType:    ref.DocType,
					Text:       ref.Text,
					Source:     ref.Source,
					Tier1Meta:  ref.Tier1Meta,
				})
				chunkIDs = append(chunkIDs, ref.ID)
			}
			n, err := s.store.EnqueueTasks(ctx, payloads, chunkIDs)
			total += n
			if err != nil {
				return total, err
			}
		}

		after = refs[len(refs)-1].ChunkIndex
		if len(refs) < chunkPageSize {
			return total, nil
		}
	}
}

// EnqueueForBase enqueues enrichment tasks for an already-ingested document
// addressed by base id. Used by the explicit /enrichment/enqueue endpoint.
func (s *Service) EnqueueForBase(ctx context.Context, doc *store.Document, collection string) (int, error) {
	return s.enqueueDocument(ctx, doc, collection)
}

// firstN returns the first n bytes of s.
func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// mimeFromContentType strips parameters from a Content-Type header value.
func mimeFromContentType(ct string) string {
	if ct == "" {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
}

