package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	block_id TEXT NOT NULL,
	request JSONB NOT NULL,
	result JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_block_created_idx ON jobs (block_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	source TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	request_type TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_logs_created_idx ON usage_logs (created_at);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure pg schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	request, result, err := encodeJobPayloads(job)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id,
			type,
			status,
			block_id,
			request,
			result,
			error_message,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.BlockID,
		json.RawMessage(request),
		nullableJSON(result),
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) error {
	sets := make([]string, 0, 4)
	args := []any{jobID}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != "" {
		set("status", string(update.Status))
	}
	if update.Result != nil {
		encoded, err := encodeJobResult(update.Result)
		if err != nil {
			return err
		}
		set("result", json.RawMessage(encoded))
	}
	if update.Error != nil {
		set("error_message", *update.Error)
	}
	set("updated_at", time.Now().UTC())

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if len(update.ExpectedStatuses) > 0 {
		args = append(args, update.expectedStrings())
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	command, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

const postgresJobColumns = `id, type, status, block_id, request, result, error_message, created_at, updated_at`

func (r *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresStore) ListJobsByBlock(ctx context.Context, blockID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = DefaultBlockJobsLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+postgresJobColumns+`
		FROM jobs
		WHERE block_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, blockID, limit)
	if err != nil {
		return nil, fmt.Errorf("list block jobs: %w", err)
	}
	return collectPostgresJobs(rows)
}

func (r *PostgresStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT ` + postgresJobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectPostgresJobs(rows)
}

func collectPostgresJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()

	items := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, *job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func scanPostgresJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		jobType   string
		status    string
		request   []byte
		result    []byte
		createdAt time.Time
		updatedAt time.Time
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
	if err := decodeJobPayloads(&job, request, result); err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()
	return &job, nil
}

func (r *PostgresStore) CreateImage(ctx context.Context, image *domain.Image) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO images (id, filename, content_type, source, prompt, url, width, height, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
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
		image.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetImage(ctx context.Context, imageID string) (*domain.Image, error) {
	var image domain.Image
	err := r.pool.QueryRow(ctx, `
		SELECT id, filename, content_type, source, prompt, url, width, height, size_bytes, created_at
		FROM images
		WHERE id = $1
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
		&image.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query image: %w", err)
	}
	return &image, nil
}

func (r *PostgresStore) RecordUsage(ctx context.Context, record domain.UsageRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_logs (request_type, model, input_tokens, output_tokens, total_tokens, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, record.RequestType, record.Model, record.InputTokens, record.OutputTokens, record.TotalTokens, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (r *PostgresStore) DailyUsage(ctx context.Context) ([]domain.DailyUsage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
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
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate daily usage: %w", rows.Err())
	}
	return items, nil
}

func encodeJobPayloads(job *domain.Job) ([]byte, []byte, error) {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return nil, nil, fmt.Errorf("encode job request: %w", err)
	}
	result, err := encodeJobResult(job.Result)
	if err != nil {
		return nil, nil, err
	}
	return request, result, nil
}

// encodeJobResult returns nil for a missing result so it is stored as NULL.
func encodeJobResult(result *domain.JobResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return encoded, nil
}

func nullableJSON(value []byte) any {
	if value == nil {
		return nil
	}
	return json.RawMessage(value)
}

func decodeJobPayloads(job *domain.Job, request, result []byte) error {
	if len(request) > 0 {
		if err := json.Unmarshal(request, &job.Request); err != nil {
			return fmt.Errorf("decode job request: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		var decoded domain.JobResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &decoded
	}
	return nil
}
