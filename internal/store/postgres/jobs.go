// Package postgres stores jobs in PostgreSQL through a pgx connection pool,
// so several jobhost processes can share one queue.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/job"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	account_id     TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 0,
	requested      TIMESTAMPTZ NOT NULL,
	starting       TIMESTAMPTZ,
	started        TIMESTAMPTZ,
	finished       TIMESTAMPTZ,
	rejected       TIMESTAMPTZ,
	host_id        TEXT NOT NULL DEFAULT '',
	host_group     TEXT NOT NULL DEFAULT '',
	parameters     JSONB,
	progress       JSONB,
	status_message TEXT NOT NULL DEFAULT '',
	heartbeat      TIMESTAMPTZ,
	tag            TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_requested_idx ON jobs (status, requested);
CREATE INDEX IF NOT EXISTS jobs_host_id_idx ON jobs (host_id);
`

const columns = `id, task_id, account_id, priority, requested, starting, started, finished, rejected,
	host_id, host_group, parameters, progress, status_message, heartbeat, tag, status`

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

// JobRepository is a job.Repository backed by the jobs table.
type JobRepository struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*JobRepository, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Configuration(fmt.Sprintf("invalid postgres dsn: %v", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	r := NewJobRepository(pool)
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewJobRepository wraps an existing pool. Call Migrate before first use.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Migrate creates the jobs table and its indexes when missing.
func (r *JobRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return apperrors.Internal("postgres.migrate", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *JobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *JobRepository) Close() {
	r.pool.Close()
}

func (r *JobRepository) Add(ctx context.Context, j *job.Job) error {
	params, progress, err := encodeJSON(j)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO jobs (`+columns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		j.ID, j.TaskID, j.AccountID, j.Priority, j.Requested, j.Starting, j.Started, j.Finished, j.Rejected,
		j.HostID, j.HostGroup, params, progress, j.StatusMessage, j.Heartbeat, j.Tag, string(j.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return apperrors.Internal("postgres.addJob", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*job.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.getJob", err)
	}
	return j, nil
}

func (r *JobRepository) Contains(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, apperrors.Internal("postgres.containsJob", err)
	}
	return exists, nil
}

// Update replaces every mutable column of the job. The id, task and account
// are never rewritten, and the heartbeat is only written by SetHeartbeat.
func (r *JobRepository) Update(ctx context.Context, j *job.Job) error {
	params, progress, err := encodeJSON(j)
	if err != nil {
		return err
	}
	cmd, err := r.pool.Exec(ctx,
		`UPDATE jobs SET priority = $2, requested = $3, starting = $4, started = $5, finished = $6, rejected = $7,
		 host_id = $8, host_group = $9, parameters = $10, progress = $11, status_message = $12,
		 tag = $13, status = $14
		 WHERE id = $1`,
		j.ID, j.Priority, j.Requested, j.Starting, j.Started, j.Finished, j.Rejected,
		j.HostID, j.HostGroup, params, progress, j.StatusMessage, j.Tag, string(j.Status))
	if err != nil {
		return apperrors.Internal("postgres.updateJob", err)
	}
	if cmd.RowsAffected() == 0 {
		return apperrors.NotFound("job", j.ID)
	}
	return nil
}

func (r *JobRepository) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE jobs SET heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return apperrors.Internal("postgres.setHeartbeat", err)
	}
	if cmd.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (r *JobRepository) Query(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	where, args := buildWhere(f)
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM jobs`+where+` ORDER BY requested ASC, id ASC`, args...)
	if err != nil {
		return nil, apperrors.Internal("postgres.queryJobs", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.queryJobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.queryJobs", err)
	}
	return out, nil
}

func (r *JobRepository) Remove(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("postgres.removeJob", err)
	}
	if cmd.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (r *JobRepository) RemoveMatching(ctx context.Context, f job.Filter) (int, error) {
	where, args := buildWhere(f)
	cmd, err := r.pool.Exec(ctx, `DELETE FROM jobs`+where, args...)
	if err != nil {
		return 0, apperrors.Internal("postgres.removeJobs", err)
	}
	return int(cmd.RowsAffected()), nil
}

// buildWhere translates f into a WHERE clause with positional arguments.
// An empty filter yields an empty clause.
func buildWhere(f job.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.TaskID != "" {
		add("task_id = $%d", f.TaskID)
	}
	if f.HostID != "" {
		add("host_id = $%d", f.HostID)
	}
	if f.Tag != "" {
		add("tag = $%d", f.Tag)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.Since.IsZero() {
		add("requested >= $%d", f.Since)
	}
	if !f.Before.IsZero() {
		add("requested < $%d", f.Before)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeJSON(j *job.Job) (params, progress []byte, err error) {
	if len(j.Parameters) > 0 {
		if params, err = json.Marshal(j.Parameters); err != nil {
			return nil, nil, apperrors.Validation("parameters", err.Error())
		}
	}
	if j.Progress != nil {
		if progress, err = json.Marshal(j.Progress); err != nil {
			return nil, nil, apperrors.Validation("progress", err.Error())
		}
	}
	return params, progress, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                job.Job
		status           string
		params, progress []byte
	)
	err := row.Scan(&j.ID, &j.TaskID, &j.AccountID, &j.Priority, &j.Requested, &j.Starting, &j.Started,
		&j.Finished, &j.Rejected, &j.HostID, &j.HostGroup, &params, &progress, &j.StatusMessage,
		&j.Heartbeat, &j.Tag, &status)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of job %s: %w", j.ID, err)
		}
	}
	if len(progress) > 0 {
		var p job.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return nil, fmt.Errorf("decode progress of job %s: %w", j.ID, err)
		}
		j.Progress = &p
	}
	return &j, nil
}

var _ job.Repository = (*JobRepository)(nil)
