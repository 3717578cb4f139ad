package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

const uploadColumns = `artifact_id, status, original_name, content_type, size_bytes, storage_key,
	checksum, attempts, result, error_kind, error_detail, created_at, updated_at, owner`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateUpload(ctx context.Context, rec *models.UploadRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}
	kind, detail := errorColumns(rec.Error)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploads (`+uploadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ArtifactID, rec.Status, rec.OriginalName, rec.ContentType, rec.SizeBytes, rec.StorageKey,
		rec.Checksum, rec.Attempts, nullableJSON(rec.Result), kind, detail, rec.CreatedAt, rec.UpdatedAt, rec.Owner)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUpload(ctx context.Context, id uuid.UUID) (*models.UploadRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE artifact_id = $1`, id)
	rec, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return rec, nil
}

// UpdateUploadStatus locks the row, validates the transition and writes the
// new state in one transaction. On any error the stored record is unchanged.
func (s *PostgresStore) UpdateUploadStatus(ctx context.Context, id uuid.UUID, status models.UploadStatus, opts ...UploadUpdateOption) (*models.UploadRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update upload: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE artifact_id = $1 FOR UPDATE`, id)
	rec, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload status: %w", err)
	}

	if err := applyUpdate(rec, status, time.Now().UTC(), opts); err != nil {
		return nil, err
	}
	kind, detail := errorColumns(rec.Error)

	_, err = tx.Exec(ctx,
		`UPDATE uploads SET status = $2, storage_key = $3, checksum = $4, attempts = $5,
		 result = $6, error_kind = $7, error_detail = $8, updated_at = $9
		 WHERE artifact_id = $1`,
		id, rec.Status, rec.StorageKey, rec.Checksum, rec.Attempts,
		nullableJSON(rec.Result), kind, detail, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update upload status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update upload: %w", err)
	}
	return rec, nil
}

// ListStaleUploads returns non-terminal records last updated before the given time, oldest first.
func (s *PostgresStore) ListStaleUploads(ctx context.Context, before time.Time, limit int) ([]*models.UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE status IN ($1, $2, $3) AND updated_at < $4
		 ORDER BY updated_at ASC LIMIT $5`,
		models.StatusReceived, models.StatusStored, models.StatusInferenceRequested, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()

	var recs []*models.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanUpload(row pgx.Row) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	var result []byte
	var kind, detail *string
	err := row.Scan(&rec.ArtifactID, &rec.Status, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes,
		&rec.StorageKey, &rec.Checksum, &rec.Attempts, &result, &kind, &detail, &rec.CreatedAt, &rec.UpdatedAt, &rec.Owner)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		rec.Result = result
	}
	rec.Error = errorInfo(kind, detail)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
