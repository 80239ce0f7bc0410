package service

import (
	"context"
	"errors"

	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
)

// ErrLedgerUnavailable is returned by List when no ingestion ledger is configured.
var ErrLedgerUnavailable = errors.New("ingestion ledger not configured")

// Indexer is the part of ingestion.Indexer used by DocumentService.
type Indexer interface {
	IndexDocument(ctx context.Context, doc ingestion.SourceDocument) (*ingestion.Result, error)
	DeleteDocument(ctx context.Context, stem string) error
}

// DocumentService manages indexed source documents.
type DocumentService struct {
	indexer Indexer
	ledger  repository.IngestionRepository
}

// NewDocumentService creates a new DocumentService. ledger may be nil.
func NewDocumentService(indexer Indexer, ledger repository.IngestionRepository) *DocumentService {
	return &DocumentService{indexer: indexer, ledger: ledger}
}

// Ingest indexes one source document.
func (s *DocumentService) Ingest(ctx context.Context, doc ingestion.SourceDocument) (*ingestion.Result, error) {
	return s.indexer.IndexDocument(ctx, doc)
}

// Delete removes the chunk collection of stem.
func (s *DocumentService) Delete(ctx context.Context, stem string) error {
	return s.indexer.DeleteDocument(ctx, stem)
}

// List pages through the ingestion ledger.
func (s *DocumentService) List(ctx context.Context, limit, offset int) ([]*repository.IngestionRecord, int, error) {
	if s.ledger == nil {
		return nil, 0, ErrLedgerUnavailable
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.List(ctx, limit, offset)
}

// Get returns the ledger record of stem.
func (s *DocumentService) Get(ctx context.Context, stem string) (*repository.IngestionRecord, error) {
	if s.ledger == nil {
		return nil, ErrLedgerUnavailable
	}
	return s.ledger.GetByStem(ctx, stem)
}
