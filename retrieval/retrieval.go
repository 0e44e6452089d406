// Package retrieval turns a support query into a ranked set of knowledge
// chunks. Similarity is cosine, fixed project-wide, so scores are comparable
// across queries.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/supportloop/draftdesk/llm"
	"github.com/supportloop/draftdesk/store"
)

// ErrUnavailable is returned when the knowledge store is empty or cannot be
// reached. The caller decides whether to proceed with an ungrounded draft or
// abort; this package never decides that policy.
var ErrUnavailable = errors.New("retrieval: knowledge store unavailable")

// Config holds retriever configuration.
type Config struct {
	// Timeout bounds the embedding call. Zero means 30s.
	Timeout time.Duration
}

// Retriever resolves queries against the embedded knowledge base.
type Retriever struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a Retriever over the given store and embedding provider.
func New(s *store.Store, embedder llm.Provider, cfg Config) *Retriever {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Retriever{store: s, embedder: embedder, cfg: cfg}
}

// Retrieve returns up to k chunks ordered by descending similarity, ties
// broken by chunk id ascending. Both policy chunks and resolved-case chunks
// are searched.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, k int) ([]store.RetrievalResult, error) {
	return r.retrieve(ctx, queryText, k, "")
}

// RetrieveKind is Retrieve restricted to one knowledge source
// (store.SourcePolicy or store.SourceResolvedCase).
func (r *Retriever) RetrieveKind(ctx context.Context, queryText string, k int, sourceKind string) ([]store.RetrievalResult, error) {
	return r.retrieve(ctx, queryText, k, sourceKind)
}

// retrieve filters at the store level so k matching chunks come back
// whenever the store holds that many.
func (r *Retriever) retrieve(ctx context.Context, queryText string, k int, sourceKind string) ([]store.RetrievalResult, error) {
	if queryText == "" {
		return nil, fmt.Errorf("query text must not be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	total, err := r.store.CountChunks(ctx, sourceKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no knowledge chunks ingested", ErrUnavailable)
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	embeddings, err := r.embedder.Embed(embedCtx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrUnavailable, err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: embedding provider returned no vector", ErrUnavailable)
	}

	results, err := r.store.VectorSearch(ctx, embeddings[0], k, sourceKind)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrUnavailable, err)
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}

	slog.Debug("retrieval: search complete",
		"query_len", len(queryText),
		"k", k,
		"source_kind", sourceKind,
		"results", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return results, nil
}

// sortResults orders by descending score, ties broken by chunk id ascending
// so repeated searches over identical data yield identical output.
func sortResults(results []store.RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}
