package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// JobStore — in-memory очередь отложенных задач.
type JobStore struct {
	mu   sync.Mutex
	jobs  map[string]domain.Job
	now   func() time.Time
	lease time.Duration
}

// NewJobStore создаёт пустую очередь. Часы можно подменить через WithClock.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]domain.Job),
		now:   func() time.Time { return time.Now().UTC() },
		lease: domain.DefaultJobLease,
	}
}

// WithClock подменяет источник времени (для тестов).
func (s *JobStore) WithClock(now func() time.Time) *JobStore {
	s.now = now
	return s
}

// WithLease задаёт срок аренды взятой задачи.
func (s *JobStore) WithLease(d time.Duration) *JobStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// Schedule ставит задачу на now+delay.
func (s *JobStore) Schedule(_ context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job := domain.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   append([]byte(nil), payload...),
		RunAt:     now.Add(delay),
		Status:    domain.JobStatusScheduled,
		CreatedAt: now,
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

// Cancel удаляет ожидающую задачу; выполняемую задачу отменить нельзя.
func (s *JobStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != domain.JobStatusScheduled {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// Lookup возвращает задачу или ErrJobNotFound.
func (s *JobStore) Lookup(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// ClaimDue забирает созревшие задачи и задачи с истёкшей арендой в порядке RunAt.
func (s *JobStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]domain.Job, 0)
	for _, job := range s.jobs {
		claimable := job.Status == domain.JobStatusScheduled || job.Status == domain.JobStatusRunning
		if claimable && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.JobStatusRunning
		due[i].RunAt = now.Add(s.lease)
		due[i].Attempts++
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// Complete удаляет выполненную задачу.
func (s *JobStore) Complete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// Retry возвращает задачу в расписание.
func (s *JobStore) Retry(_ context.Context, jobID string, runAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusScheduled
	job.RunAt = runAt
	job.LastError = reason
	s.jobs[jobID] = job
	return nil
}

// Fail оставляет задачу в хранилище со статусом failed для разбора.
func (s *JobStore) Fail(_ context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusFailed
	job.LastError = reason
	s.jobs[jobID] = job
	return nil
}

var _ domain.JobStore = (*JobStore)(nil)
