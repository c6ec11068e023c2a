// Package embedder converts text into dense vector embeddings. Each
// implementation talks to a different backend (OpenAI, Ollama) via plain
// HTTP — no SDK dependencies are required. The Batched wrapper adds bounded
// request parallelism and vector shape validation on top of any backend.
package embedder

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/mfittko/rag-stack/internal/errs"
)

// Embedder converts a batch of texts into their corresponding embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns one vector per input text, parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// maxBatchSize is the number of texts sent per backend request. Backends cap
// request sizes well above this; smaller batches keep retry cost low.
const maxBatchSize = 64

// Batched wraps a backend Embedder with bounded parallelism and shape
// validation. Large inputs are split into batches embedded concurrently;
// index order is preserved and the first failure cancels the rest.
type Batched struct {
	// backend performs the actual embedding calls.
	backend Embedder
	// dim is the required vector dimension. Zero disables the check.
	dim int
	// concurrency bounds in-flight backend requests.
	concurrency int
}

// NewBatched constructs a Batched embedder. Non-positive concurrency
// defaults to 10.
func NewBatched(backend Embedder, dim, concurrency int) *Batched {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Batched{backend: backend, dim: dim, concurrency: concurrency}
}

// Embed splits texts into batches, embeds them with at most b.concurrency
// requests in flight, and reassembles the vectors in input order. Any
// backend failure surfaces as UPSTREAM_SERVICE_ERROR and cancels the batch.
func (b *Batched) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			vecs, err := b.backend.Embed(gctx, texts[start:end])
			if err != nil {
				return errs.Wrap(errs.KindUpstreamService, err, "embedding backend request failed")
			}
			if len(vecs) != end-start {
				return errs.New(errs.KindUpstreamService,
					"embedding backend returned %d vectors for %d texts", len(vecs), end-start)
			}
			for i, v := range vecs {
				if err := validateVector(v, b.dim); err != nil {
					return err
				}
				out[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// validateVector checks that v has the expected dimension and only finite
// components.
func validateVector(v []float32, dim int) error {
	if dim > 0 && len(v) != dim {
		return errs.New(errs.KindUpstreamService,
			"embedding backend returned vector of length %d, expected %d", len(v), dim)
	}
	for _, f := range v {
		f64 := float64(f)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return errs.New(errs.KindUpstreamService, "embedding backend returned a non-finite component")
		}
	}
	return nil
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged so cosine distance stays defined downstream.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
