package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanhunter/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/sqlite_schema.sql
var sqliteSchema string

// sqliteTimeFormat is fixed width so timestamps compare correctly as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using an SQLite database.
// It is suitable for single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dsn and applies the schema.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateUpload(ctx context.Context, rec *models.UploadRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		rec.UpdatedAt = rec.CreatedAt
	}
	kind, detail := errorColumns(rec.Error)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ArtifactID.String(), string(rec.Status), rec.OriginalName, rec.ContentType, rec.SizeBytes,
		rec.StorageKey, rec.Checksum, rec.Attempts, nullableText(rec.Result), kind, detail,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), rec.Owner)
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id uuid.UUID) (*models.UploadRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE artifact_id = ?`, id.String())
	rec, err := scanSQLiteUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateUploadStatus(ctx context.Context, id uuid.UUID, status models.UploadStatus, opts ...UploadUpdateOption) (*models.UploadRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update upload: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE artifact_id = ?`, id.String())
	rec, err := scanSQLiteUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload status: %w", err)
	}

	if err := applyUpdate(rec, status, time.Now().UTC(), opts); err != nil {
		return nil, err
	}
	kind, detail := errorColumns(rec.Error)

	_, err = tx.ExecContext(ctx,
		`UPDATE uploads SET status = ?, storage_key = ?, checksum = ?, attempts = ?,
		 result = ?, error_kind = ?, error_detail = ?, updated_at = ?
		 WHERE artifact_id = ?`,
		string(rec.Status), rec.StorageKey, rec.Checksum, rec.Attempts,
		nullableText(rec.Result), kind, detail, formatTime(rec.UpdatedAt), id.String())
	if err != nil {
		return nil, fmt.Errorf("update upload status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update upload: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListStaleUploads(ctx context.Context, before time.Time, limit int) ([]*models.UploadRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE status IN (?, ?, ?) AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`,
		string(models.StatusReceived), string(models.StatusStored), string(models.StatusInferenceRequested),
		formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()

	var recs []*models.UploadRecord
	for rows.Next() {
		rec, err := scanSQLiteUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUpload(row sqlScanner) (*models.UploadRecord, error) {
	var rec models.UploadRecord
	var id, status, createdAt, updatedAt string
	var result, kind, detail sql.NullString
	err := row.Scan(&id, &status, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes,
		&rec.StorageKey, &rec.Checksum, &rec.Attempts, &result, &kind, &detail, &createdAt, &updatedAt, &rec.Owner)
	if err != nil {
		return nil, err
	}

	if rec.ArtifactID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse artifact id %q: %w", id, err)
	}
	rec.Status = models.UploadStatus(status)
	if result.Valid && result.String != "" {
		rec.Result = []byte(result.String)
	}
	if kind.Valid {
		rec.Error = &models.ErrorInfo{Kind: models.ErrorKind(kind.String), Detail: detail.String}
	}
	if rec.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(sqliteTimeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
