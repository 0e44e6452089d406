// Package kb ingests knowledge sources into the store: policy documents
// (markdown, plain text, PDF) and previously resolved support cases imported
// from spreadsheets. Ingestion parses, chunks, embeds, and indexes content
// so the retriever can ground drafts on it.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/supportloop/draftdesk/llm"
	"github.com/supportloop/draftdesk/store"
)

var (
	// ErrUnsupportedFormat is returned for file types with no parser.
	ErrUnsupportedFormat = errors.New("kb: unsupported document format")
	// ErrParsingFailed is returned when a document yields no usable content.
	ErrParsingFailed = errors.New("kb: parsing failed")
	// ErrEmbeddingFailed is returned when no chunk of a document could be
	// embedded.
	ErrEmbeddingFailed = errors.New("kb: embedding failed")
)

// Config controls ingestion.
type Config struct {
	Chunk     ChunkConfig
	BatchSize int // embedding batch size
}

// Ingestor loads knowledge sources into the store.
type Ingestor struct {
	store    *store.Store
	embedder llm.Provider
	cfg      Config
	log      *slog.Logger
}

// New creates an Ingestor.
func New(s *store.Store, embedder llm.Provider, cfg Config, log *slog.Logger) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: s, embedder: embedder, cfg: cfg, log: log}
}

// Ingest loads one document as the given source kind. Unchanged files
// (same content hash) are skipped. Returns the document id and the number
// of chunks indexed (0 when skipped).
func (i *Ingestor) Ingest(ctx context.Context, path, sourceKind string) (int64, int, error) {
	if sourceKind == "" {
		sourceKind = store.SourcePolicy
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, 0, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return 0, 0, fmt.Errorf("hashing file: %w", err)
	}

	if existing, err := i.store.GetDocumentByPath(ctx, absPath); err == nil && existing.ContentHash == hash {
		i.log.Debug("kb: document unchanged, skipping", "path", absPath)
		return existing.ID, 0, nil
	}

	filename := filepath.Base(absPath)
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	docID, err := i.store.UpsertDocument(ctx, store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		SourceKind:  sourceKind,
		ContentHash: hash,
		Status:      "processing",
	})
	if err != nil {
		return 0, 0, fmt.Errorf("upserting document: %w", err)
	}

	start := time.Now()
	sections, err := parseFile(absPath)
	if err != nil {
		i.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, 0, err
	}
	chunks := chunkSections(sections, sourceKind, i.cfg.Chunk)
	if len(chunks) == 0 {
		i.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, 0, fmt.Errorf("%w: %s produced no chunks", ErrParsingFailed, filename)
	}
	i.log.Info("kb: parsed document",
		"file", filename, "sections", len(sections), "chunks", len(chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))

	count, err := i.index(ctx, docID, chunks)
	if err != nil {
		i.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, 0, err
	}
	i.store.UpdateDocumentStatus(ctx, docID, "ready")
	return docID, count, nil
}

// Update re-ingests a document if its content changed. It returns true when
// a re-index happened.
func (i *Ingestor) Update(ctx context.Context, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}
	existing, err := i.store.GetDocumentByPath(ctx, absPath)
	if err != nil {
		return false, fmt.Errorf("kb: document %s not ingested", absPath)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return false, fmt.Errorf("hashing file: %w", err)
	}
	if existing.ContentHash == hash {
		return false, nil
	}
	_, n, err := i.Ingest(ctx, absPath, existing.SourceKind)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// index replaces a document's chunks and embeds them. Old chunks are
// removed first so a re-ingest never leaves stale content behind.
func (i *Ingestor) index(ctx context.Context, docID int64, chunks []store.Chunk) (int, error) {
	if err := i.store.DeleteDocumentData(ctx, docID); err != nil {
		return 0, fmt.Errorf("cleaning old chunks: %w", err)
	}
	for j := range chunks {
		chunks[j].DocumentID = docID
	}
	chunkIDs, err := i.store.InsertChunks(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("inserting chunks: %w", err)
	}
	if err := i.embedChunks(ctx, chunks, chunkIDs); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedChunks generates embeddings in batches. A failed batch falls back to
// per-text embedding so one oversized text does not lose the whole batch.
func (i *Ingestor) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) error {
	var failed int
	for start := 0; start < len(chunks); start += i.cfg.BatchSize {
		end := start + i.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-start)
		for j := start; j < end; j++ {
			texts[j-start] = embedText(chunks[j])
		}

		embeddings, err := i.embedder.Embed(ctx, texts)
		if err != nil {
			i.log.Warn("kb: embedding batch failed, falling back to individual",
				"batch_start", start, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := i.embedder.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					failed++
					continue
				}
				if serr := i.store.InsertEmbedding(ctx, chunkIDs[start+j], single[0]); serr != nil {
					i.log.Warn("kb: storing embedding failed", "chunk_id", chunkIDs[start+j], "error", serr)
					failed++
				}
			}
			continue
		}

		if len(embeddings) != len(texts) {
			i.log.Warn("kb: embedding count mismatch",
				"batch_start", start, "want", len(texts), "got", len(embeddings))
			if len(embeddings) > len(texts) {
				embeddings = embeddings[:len(texts)]
			}
			failed += len(texts) - len(embeddings)
		}
		for j, emb := range embeddings {
			if err := i.store.InsertEmbedding(ctx, chunkIDs[start+j], emb); err != nil {
				i.log.Warn("kb: storing embedding failed", "chunk_id", chunkIDs[start+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return fmt.Errorf("%w: all %d chunks failed", ErrEmbeddingFailed, len(chunks))
	}
	if failed > 0 {
		i.log.Warn("kb: some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

const maxEmbedChars = 8000

// embedText prefixes the chunk heading for better retrieval and truncates
// oversized content to keep embedding requests within provider limits.
func embedText(c store.Chunk) string {
	text := c.Content
	if c.Heading != "" {
		text = c.Heading + ": " + text
	}
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
