// Package ingestion populates the summary and per-document chunk collections
// that fan-out retrieval reads from.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/medrag/internal/document"
	"github.com/knoguchi/medrag/internal/embedder"
	"github.com/knoguchi/medrag/internal/repository"
	"github.com/knoguchi/medrag/internal/retrieval"
	"github.com/knoguchi/medrag/internal/vectorstore"
)

// ErrInvalidDocument is returned for a SourceDocument that cannot be indexed.
var ErrInvalidDocument = errors.New("invalid source document")

// SourceDocument is one source document: its summary and its pre-split chunks.
type SourceDocument struct {
	// FileStem identifies the document and names its chunk collection.
	FileStem string
	Source   string
	Summary  string
	Chunks   []string

	// Metadata is copied onto the summary and every chunk. The file_stem,
	// source and chunk_index keys are set by the indexer.
	Metadata document.Metadata
}

// Result reports what IndexDocument wrote.
type Result struct {
	FileStem        string
	SummaryID       string
	ChunkCollection string
	ChunkIDs        []string
	ContentHash     string
	Duration        time.Duration
}

// Config holds configuration for the Indexer.
type Config struct {
	SummaryCollection string
	Naming            retrieval.Naming
	VectorSize        int
	Distance          vectorstore.Distance

	// Ledger records indexed documents. Optional.
	Ledger repository.IngestionRepository

	Logger *slog.Logger
}

// Indexer writes source documents into the vector store.
type Indexer struct {
	store    vectorstore.Store
	embedder embedder.Embedder
	cfg      Config
	logger   *slog.Logger
}

// NewIndexer creates a new Indexer.
func NewIndexer(store vectorstore.Store, emb embedder.Embedder, cfg Config) (*Indexer, error) {
	if cfg.SummaryCollection == "" {
		return nil, errors.New("indexer requires a summary collection")
	}
	if err := cfg.Naming.Validate(); err != nil {
		return nil, err
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = emb.Dimension()
	}
	if cfg.Distance == 0 {
		cfg.Distance = vectorstore.Cosine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:    store,
		embedder: emb,
		cfg:      cfg,
		logger:   logger.With("component", "indexer"),
	}, nil
}

// IndexDocument embeds and upserts the summary and chunks of doc. Point ids
// are content-addressed, so indexing the same document again writes the same
// points. Re-indexing a stem replaces its chunk collection; nothing is
// written when embedding fails.
func (ix *Indexer) IndexDocument(ctx context.Context, doc SourceDocument) (*Result, error) {
	start := time.Now()

	if err := validateSource(doc); err != nil {
		return nil, err
	}
	if err := doc.Metadata.Validate(); err != nil {
		return nil, err
	}

	chunkCollection := ix.cfg.Naming.Collection(doc.FileStem)

	texts := make([]string, 0, len(doc.Chunks)+1)
	texts = append(texts, doc.Summary)
	texts = append(texts, doc.Chunks...)

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed document %s: %w", doc.FileStem, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	summaryPoint, err := vectorstore.NewPoint(document.Document{
		Content:  doc.Summary,
		Metadata: ix.metadata(doc, -1),
	}, vectors[0])
	if err != nil {
		return nil, err
	}

	chunkPoints := make([]vectorstore.Point, len(doc.Chunks))
	chunkIDs := make([]string, len(doc.Chunks))
	for i, chunk := range doc.Chunks {
		p, err := vectorstore.NewPoint(document.Document{
			Content:  chunk,
			Metadata: ix.metadata(doc, i),
		}, vectors[i+1])
		if err != nil {
			return nil, err
		}
		chunkPoints[i] = p
		chunkIDs[i] = p.ID
	}

	if err := ix.ensure(ctx, ix.cfg.SummaryCollection); err != nil {
		return nil, err
	}
	replaced, err := ix.resetChunks(ctx, chunkCollection)
	if err != nil {
		return nil, err
	}

	// Chunks first so the summary never routes to an empty collection.
	if err := ix.store.Upsert(ctx, chunkCollection, chunkPoints); err != nil {
		return nil, fmt.Errorf("failed to upsert chunks of %s: %w", doc.FileStem, err)
	}
	if err := ix.store.Upsert(ctx, ix.cfg.SummaryCollection, []vectorstore.Point{summaryPoint}); err != nil {
		return nil, fmt.Errorf("failed to upsert summary of %s: %w", doc.FileStem, err)
	}

	result := &Result{
		FileStem:        doc.FileStem,
		SummaryID:       summaryPoint.ID,
		ChunkCollection: chunkCollection,
		ChunkIDs:        chunkIDs,
		ContentHash:     hashContent(doc),
		Duration:        time.Since(start),
	}

	if ix.cfg.Ledger != nil {
		err := ix.cfg.Ledger.Upsert(ctx, &repository.IngestionRecord{
			FileStem:          doc.FileStem,
			Source:            doc.Source,
			SummaryCollection: ix.cfg.SummaryCollection,
			ChunkCollection:   chunkCollection,
			SummaryID:         summaryPoint.ID,
			ChunkCount:        len(doc.Chunks),
			ContentHash:       result.ContentHash,
			Metadata:          doc.Metadata.Clone(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record ingestion of %s: %w", doc.FileStem, err)
		}
	}

	ix.logger.Info("indexed document",
		"file_stem", doc.FileStem,
		"chunks", len(doc.Chunks),
		"replaced", replaced,
		"collection", chunkCollection,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (ix *Indexer) ensure(ctx context.Context, name string) error {
	err := ix.store.EnsureCollection(ctx, vectorstore.CollectionConfig{
		Name:       name,
		VectorSize: ix.cfg.VectorSize,
		Distance:   ix.cfg.Distance,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure collection %s: %w", name, err)
	}
	return nil
}

// resetChunks drops an existing chunk collection so a re-ingested document
// keeps only its current chunks, then creates it empty. It reports whether a
// previous collection was dropped.
func (ix *Indexer) resetChunks(ctx context.Context, name string) (bool, error) {
	exists, err := ix.store.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		err := ix.store.DeleteCollection(ctx, name)
		if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return false, fmt.Errorf("failed to drop stale chunks in %s: %w", name, err)
		}
	}
	return exists, ix.ensure(ctx, name)
}

// DeleteDocument drops the chunk collection of stem and its ledger entry.
// The summary point stays in the summary collection; retrieval tolerates the
// missing chunk collection.
func (ix *Indexer) DeleteDocument(ctx context.Context, stem string) error {
	if err := validateStem(stem); err != nil {
		return err
	}
	collection := ix.cfg.Naming.Collection(stem)
	if err := ix.store.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}

	if ix.cfg.Ledger != nil {
		if err := ix.cfg.Ledger.Delete(ctx, stem); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to delete ingestion record of %s: %w", stem, err)
		}
	}

	ix.logger.Info("deleted document", "file_stem", stem, "collection", collection)
	return nil
}

// metadata builds point metadata; chunkIndex < 0 marks the summary.
func (ix *Indexer) metadata(doc SourceDocument, chunkIndex int) document.Metadata {
	md := doc.Metadata.Clone()
	if md == nil {
		md = document.Metadata{}
	}
	md[document.KeyFileStem] = doc.FileStem
	if doc.Source != "" {
		md[document.KeySource] = doc.Source
	}
	if chunkIndex >= 0 {
		md[document.KeyChunkIndex] = chunkIndex
	}
	return md
}

func validateSource(doc SourceDocument) error {
	if err := validateStem(doc.FileStem); err != nil {
		return err
	}
	if strings.TrimSpace(doc.Summary) == "" {
		return fmt.Errorf("%w: summary cannot be empty", ErrInvalidDocument)
	}
	for i, c := range doc.Chunks {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidDocument, i)
		}
	}
	return nil
}

func validateStem(stem string) error {
	if stem == "" {
		return fmt.Errorf("%w: file stem cannot be empty", ErrInvalidDocument)
	}
	if strings.ContainsAny(stem, "/\\ \t\n") {
		return fmt.Errorf("%w: file stem %q contains path separators or whitespace", ErrInvalidDocument, stem)
	}
	return nil
}

// hashContent generates a SHA-256 hash over the summary and chunks
func hashContent(doc SourceDocument) string {
	h := sha256.New()
	h.Write([]byte(doc.Summary))
	for _, c := range doc.Chunks {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}
