package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type jobRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Payload   []byte    `db:"payload"`
	RunAt     time.Time `db:"run_at"`
	Status    string    `db:"status"`
	Attempts  int       `db:"attempts"`
	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`

	// DueAt заполняет только ClaimDue: run_at до выдачи аренды.
	DueAt time.Time `db:"due_at"`
}

func (r jobRow) toDomain() domain.Job {
	return domain.Job{
		ID:        r.ID,
		Name:      r.Name,
		Payload:   r.Payload,
		RunAt:     r.RunAt.UTC(),
		Status:    domain.JobStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

const jobColumns = `id, name, payload, run_at, status, attempts, last_error, created_at`

// JobStore — очередь отложенных задач в таблице jobs. Несколько воркеров
// разбирают её конкурентно через FOR UPDATE SKIP LOCKED. У running-задачи
// run_at — срок аренды.
type JobStore struct {
	db    *sqlx.DB
	now   func() time.Time
	lease time.Duration
}

// NewJobStore создаёт очередь поверх Store.
func NewJobStore(store *Store) *JobStore {
	return &JobStore{db: store.DB(), now: func() time.Time { return time.Now().UTC() }, lease: domain.DefaultJobLease}
}

// WithLease задаёт срок аренды взятой задачи.
func (s *JobStore) WithLease(d time.Duration) *JobStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// WithClock подменяет источник времени для Schedule.
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

func (s *JobStore) Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := s.now()
	id := uuid.NewString()
	if payload == nil {
		payload = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6)
	`, id, name, payload, now.Add(delay), string(domain.JobStatusScheduled), now); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return id, nil
}

func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND status = $2`, jobID, string(domain.JobStatusScheduled))
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotFound)
}

func (s *JobStore) Lookup(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("lookup job: %w", err)
	}
	return row.toDomain(), nil
}

func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `
		WITH due AS (
			SELECT id, run_at FROM jobs
			WHERE status IN ($3, $4) AND run_at <= $1
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $3, attempts = j.attempts + 1, run_at = $5
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.name, j.payload, j.run_at, j.status, j.attempts, j.last_error, j.created_at,
			due.run_at AS due_at`,
		now, limit, string(domain.JobStatusRunning), string(domain.JobStatusScheduled), now.Add(s.lease)); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].DueAt.Before(rows[j].DueAt) })
	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotFound)
}

func (s *JobStore) Retry(ctx context.Context, jobID string, runAt time.Time, reason string) error {
	return s.update(ctx, jobID, `UPDATE jobs SET status = $2, run_at = $3, last_error = $4 WHERE id = $1`,
		string(domain.JobStatusScheduled), runAt, reason)
}

func (s *JobStore) Fail(ctx context.Context, jobID string, reason string) error {
	return s.update(ctx, jobID, `UPDATE jobs SET status = $2, last_error = $3 WHERE id = $1`,
		string(domain.JobStatusFailed), reason)
}

func (s *JobStore) update(ctx context.Context, jobID, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireAffected(res, domain.ErrJobNotFound)
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.JobStore = (*JobStore)(nil)
