package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	_ "modernc.org/sqlite"
)

// Fixed width so lexical order in SQLite matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

var sqliteMigrations = []string{
	`CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		block_id TEXT NOT NULL,
		request TEXT NOT NULL,
		result TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX jobs_block_created_idx ON jobs (block_id, created_at DESC);
	CREATE INDEX jobs_status_created_idx ON jobs (status, created_at);`,

	`CREATE TABLE images (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		source TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,

	`CREATE TABLE usage_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_type TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX usage_logs_created_idx ON usage_logs (created_at);`,
}

// SQLiteStore implements Store on a local SQLite file (pure Go driver).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}
	return store, nil
}

func (r *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(sqliteMigrations); i++ {
		if _, err := r.db.ExecContext(ctx, sqliteMigrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := r.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *SQLiteStore) Close() error {
	return r.db.Close()
}

func (r *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	request, result, err := encodeJobPayloads(job)
	if err != nil {
		return err
	}
	resultText := sql.NullString{String: string(result), Valid: result != nil}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, block_id, request, result, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.BlockID,
		string(request),
		resultText,
		job.Error,
		formatSQLiteTime(job.CreatedAt),
		formatSQLiteTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(update.Status))
	}
	if update.Result != nil {
		encoded, err := encodeJobResult(update.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result = ?")
		args = append(args, string(encoded))
	}
	if update.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.Error)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatSQLiteTime(time.Now()))

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, jobID)
	if expected := update.expectedStrings(); len(expected) > 0 {
		query += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(expected)), ",") + ")"
		for _, status := range expected {
			args = append(args, status)
		}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

const sqliteJobColumns = `id, type, status, block_id, request, result, error_message, created_at, updated_at`

func (r *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *SQLiteStore) ListJobsByBlock(ctx context.Context, blockID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = DefaultBlockJobsLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE block_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, blockID, limit)
	if err != nil {
		return nil, fmt.Errorf("list block jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (r *SQLiteStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectSQLiteJobs(rows)
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqliteScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		jobType   string
		status    string
		request   string
		result    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.BlockID,
		&request,
		&result,
		&job.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var resultBytes []byte
	if result.Valid {
		resultBytes = []byte(result.String)
	}
	if err := decodeJobPayloads(&job, []byte(request), resultBytes); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = parseSQLiteTime(createdAt)
	job.UpdatedAt = parseSQLiteTime(updatedAt)
	return &job, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

func (r *SQLiteStore) CreateImage(ctx context.Context, image *domain.Image) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO images (id, filename, content_type, source, prompt, url, width, height, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		image.ID,
		image.Filename,
		image.ContentType,
		image.Source,
		image.Prompt,
		image.URL,
		image.Width,
		image.Height,
		image.SizeBytes,
		formatSQLiteTime(image.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *SQLiteStore) GetImage(ctx context.Context, imageID string) (*domain.Image, error) {
	var (
		image     domain.Image
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, filename, content_type, source, prompt, url, width, height, size_bytes, created_at
		FROM images
		WHERE id = ?
	`, imageID).Scan(
		&image.ID,
		&image.Filename,
		&image.ContentType,
		&image.Source,
		&image.Prompt,
		&image.URL,
		&image.Width,
		&image.Height,
		&image.SizeBytes,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query image: %w", err)
	}
	image.CreatedAt = parseSQLiteTime(createdAt)
	return &image, nil
}

func (r *SQLiteStore) RecordUsage(ctx context.Context, record domain.UsageRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_logs (request_type, model, input_tokens, output_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.RequestType, record.Model, record.InputTokens, record.OutputTokens, record.TotalTokens, formatSQLiteTime(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (r *SQLiteStore) DailyUsage(ctx context.Context) ([]domain.DailyUsage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			substr(created_at, 1, 10) AS day,
			request_type,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM usage_logs
		GROUP BY day, request_type
		ORDER BY day DESC, request_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}
	defer rows.Close()

	items := make([]domain.DailyUsage, 0)
	for rows.Next() {
		var item domain.DailyUsage
		if err := rows.Scan(
			&item.Date,
			&item.RequestType,
			&item.RequestCount,
			&item.InputTokens,
			&item.OutputTokens,
			&item.TotalTokens,
		); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily usage: %w", err)
	}
	return items, nil
}

func formatSQLiteTime(value time.Time) string {
	return value.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(value string) time.Time {
	parsed, err := time.Parse(sqliteTimeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
