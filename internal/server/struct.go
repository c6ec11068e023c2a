// Package server exposes the retrieval service over JSON/HTTP: ingestion,
// query, enrichment queue introspection, the worker task protocol, and the
// graph read side. Handlers stay thin — decode, call the service, encode.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mfittko/rag-stack/internal/enrich"
	"github.com/mfittko/rag-stack/internal/graph"
	"github.com/mfittko/rag-stack/internal/ingest"
	"github.com/mfittko/rag-stack/internal/query"
	"github.com/mfittko/rag-stack/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0).
	Host string
	// Port is the TCP port to listen on (default: 3000).
	Port int
	// APIToken is the Bearer token required on protected routes.
	// If empty, authentication is disabled (development mode).
	APIToken string
	// BodyLimitBytes caps inbound request bodies. Oversized bodies get 413.
	BodyLimitBytes int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /readyz.
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP
	// (requests/second). Defaults to 50 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 100.
	RateBurst int
}

// Ingester is the ingestion service surface the server calls.
type Ingester interface {
	// Ingest runs the ingestion pipeline for one request.
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Response, error)
	// EnqueueForBase enqueues enrichment tasks for an ingested document.
	EnqueueForBase(ctx context.Context, doc *store.Document, collection string) (int, error)
}

// Querier is the query service surface the server calls.
type Querier interface {
	// Query dispatches one retrieval request.
	Query(ctx context.Context, req *query.Request) (*query.Response, error)
	// DownloadFirst returns the raw bytes of the top-ranked document.
	DownloadFirst(ctx context.Context, req *query.Request) ([]byte, string, error)
	// FulltextFirst returns the concatenated text of the top-ranked document.
	FulltextFirst(ctx context.Context, req *query.Request) (string, error)
}

// Enricher is the queue service surface the server calls.
type Enricher interface {
	Claim(ctx context.Context, workerID string) (*enrich.Claimed, error)
	SubmitResult(ctx context.Context, taskID string, res *enrich.Result) error
	Fail(ctx context.Context, taskID string, failure *enrich.Failure) (bool, error)
	RecoverStale(ctx context.Context) (int, error)
	Stats(ctx context.Context, collection, textFilter string) (*store.QueueStats, error)
	Status(ctx context.Context, baseID, collection string) (*enrich.StatusResponse, error)
	Clear(ctx context.Context, collection, textFilter string) (int, error)
}

// Expander is the graph service surface the server calls.
type Expander interface {
	Expand(ctx context.Context, name string, depth int) (*graph.Expansion, error)
}

// DocReader is the document lookup surface used by collection and
// enqueue handlers.
type DocReader interface {
	GetDocumentByBaseID(ctx context.Context, baseID, collection string) (*store.Document, error)
	CollectionStats(ctx context.Context) ([]store.CollectionStat, error)
}

// Server is the HTTP server wiring all services together.
type Server struct {
	// cfg holds the resolved server configuration.
	cfg *Config
	// log is the structured logger for this server instance.
	log *slog.Logger
	// httpServer is the underlying net/http server.
	httpServer *http.Server

	ingester Ingester
	querier  Querier
	enricher Enricher
	expander Expander
	docs     DocReader

	// metrics holds the Prometheus instruments for this instance.
	metrics *serverMetrics
	// pingers is the ordered list of dependency probes for GET /readyz.
	pingers []Pinger
	// stopRL stops the rate limiter's background eviction goroutine.
	stopRL func()
}

// enqueueRequest is the JSON body for POST /enrichment/enqueue.
type enqueueRequest struct {
	// Collection scopes the base id lookup.
	Collection string `json:"collection,omitempty"`
	// BaseID names the document whose chunks are enqueued.
	BaseID string `json:"baseId"`
}

// clearRequest is the JSON body for POST /enrichment/clear.
type clearRequest struct {
	Collection string `json:"collection,omitempty"`
	// Filter narrows deletion by free text over task payloads.
	Filter string `json:"filter,omitempty"`
}

// claimRequest is the JSON body for POST /internal/tasks/claim.
type claimRequest struct {
	// WorkerID identifies the claiming worker for lease bookkeeping.
	WorkerID string `json:"workerId"`
}
