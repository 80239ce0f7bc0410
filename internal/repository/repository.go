// Package repository defines the ingestion ledger model and its data access interface.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// IngestionRecord describes one source document indexed into the vector store
type IngestionRecord struct {
	FileStem          string
	Source            string
	SummaryCollection string
	ChunkCollection   string
	SummaryID         string
	ChunkCount        int
	ContentHash       string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IngestionRepository defines operations for ingestion ledger persistence
type IngestionRepository interface {
	// Upsert inserts the record or replaces the one with the same FileStem
	Upsert(ctx context.Context, rec *IngestionRecord) error
	GetByStem(ctx context.Context, stem string) (*IngestionRecord, error)
	List(ctx context.Context, limit, offset int) ([]*IngestionRecord, int, error)
	Delete(ctx context.Context, stem string) error
}
