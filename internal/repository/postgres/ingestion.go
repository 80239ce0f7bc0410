package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/knoguchi/medrag/internal/repository"
)

// querier is the subset of pgxpool.Pool used by IngestionRepo.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IngestionRepo implements repository.IngestionRepository
type IngestionRepo struct {
	q querier
}

// NewIngestionRepo creates a new ingestion ledger repository
func NewIngestionRepo(db *DB) *IngestionRepo {
	return &IngestionRepo{q: db.Pool}
}

const ingestionColumns = `file_stem, source, summary_collection, chunk_collection, summary_id, chunk_count, content_hash, metadata, created_at, updated_at`

// Upsert inserts a record or replaces the existing one for the same stem.
// created_at is preserved on update.
func (r *IngestionRepo) Upsert(ctx context.Context, rec *repository.IngestionRecord) error {
	metadataJSON, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ingestions (` + ingestionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (file_stem) DO UPDATE SET
			source = EXCLUDED.source,
			summary_collection = EXCLUDED.summary_collection,
			chunk_collection = EXCLUDED.chunk_collection,
			summary_id = EXCLUDED.summary_id,
			chunk_count = EXCLUDED.chunk_count,
			content_hash = EXCLUDED.content_hash,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING created_at, updated_at
	`
	err = r.q.QueryRow(ctx, query,
		rec.FileStem, rec.Source, rec.SummaryCollection, rec.ChunkCollection,
		rec.SummaryID, rec.ChunkCount, rec.ContentHash, metadataJSON,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert ingestion record: %w", err)
	}
	return nil
}

// GetByStem retrieves the record for a document stem
func (r *IngestionRepo) GetByStem(ctx context.Context, stem string) (*repository.IngestionRecord, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestions WHERE file_stem = $1`

	rec, err := scanRecord(r.q.QueryRow(ctx, query, stem))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ingestion record: %w", err)
	}
	return rec, nil
}

// List retrieves records ordered by most recently updated, with the total count
func (r *IngestionRepo) List(ctx context.Context, limit, offset int) ([]*repository.IngestionRecord, int, error) {
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM ingestions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ingestion records: %w", err)
	}

	query := `SELECT ` + ingestionColumns + ` FROM ingestions ORDER BY updated_at DESC, file_stem LIMIT $1 OFFSET $2`
	rows, err := r.q.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ingestion records: %w", err)
	}
	defer rows.Close()

	var recs []*repository.IngestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ingestion record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate ingestion records: %w", err)
	}

	return recs, total, nil
}

// Delete removes the record for a document stem
func (r *IngestionRepo) Delete(ctx context.Context, stem string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM ingestions WHERE file_stem = $1`, stem)
	if err != nil {
		return fmt.Errorf("failed to delete ingestion record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*repository.IngestionRecord, error) {
	var rec repository.IngestionRecord
	var metadataJSON []byte

	if err := row.Scan(
		&rec.FileStem, &rec.Source, &rec.SummaryCollection, &rec.ChunkCollection,
		&rec.SummaryID, &rec.ChunkCount, &rec.ContentHash, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Metadata = make(map[string]any)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		md = map[string]any{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

var _ repository.IngestionRepository = (*IngestionRepo)(nil)
