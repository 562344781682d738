// Package redis — очередь отложенных задач поверх Redis: карточка задачи в hash,
// расписание в sorted set со score = время запуска.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultPrefix — префикс ключей очереди.
const DefaultPrefix = "storefront"

// claimScript помечает созревшие задачи running и оставляет их в расписании со score
// = срок аренды, так что зависшая задача созреет снова.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	if redis.call('EXISTS', key) == 0 then
		redis.call('ZREM', KEYS[1], id)
	else
		redis.call('ZADD', KEYS[1], ARGV[4], id)
		redis.call('HSET', key, 'status', 'running', 'run_at', ARGV[4])
		redis.call('HINCRBY', key, 'attempts', 1)
		table.insert(claimed, id)
	end
end
return claimed
`)

// cancelScript удаляет задачу, только пока она ждёт запуска.
var cancelScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'scheduled' then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// updateScript меняет статус существующей задачи; scheduled возвращает её в расписание.
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_error', ARGV[3])
if ARGV[2] == 'scheduled' then
	redis.call('HSET', KEYS[1], 'run_at', ARGV[4])
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
else
	redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

type jobHash struct {
	Name      string `redis:"name"`
	Payload   string `redis:"payload"`
	RunAt     int64  `redis:"run_at"`
	Status    string `redis:"status"`
	Attempts  int    `redis:"attempts"`
	LastError string `redis:"last_error"`
	CreatedAt int64  `redis:"created_at"`
}

func (h jobHash) toDomain(id string) domain.Job {
	return domain.Job{
		ID:        id,
		Name:      h.Name,
		Payload:   []byte(h.Payload),
		RunAt:     time.UnixMilli(h.RunAt).UTC(),
		Status:    domain.JobStatus(h.Status),
		Attempts:  h.Attempts,
		LastError: h.LastError,
		CreatedAt: time.UnixMilli(h.CreatedAt).UTC(),
	}
}

// JobStore реализует domain.JobStore. Время хранится с точностью до миллисекунд.
type JobStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
	lease  time.Duration
}

// NewJobStore создаёт очередь; пустой prefix заменяется DefaultPrefix.
func NewJobStore(client goredis.UniversalClient, prefix string) *JobStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &JobStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		lease:  domain.DefaultJobLease,
	}
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

func (s *JobStore) dueKey() string { return s.prefix + ":jobs:due" }

func (s *JobStore) jobKeyPrefix() string { return s.prefix + ":job:" }

func (s *JobStore) jobKey(id string) string { return s.jobKeyPrefix() + id }

func (s *JobStore) Schedule(ctx context.Context, name string, payload []byte, delay time.Duration) (string, error) {
	now := s.now()
	id := uuid.NewString()
	runAt := now.Add(delay).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id), jobHash{
			Name:      name,
			Payload:   string(payload),
			RunAt:     runAt,
			Status:    string(domain.JobStatusScheduled),
			CreatedAt: now.UnixMilli(),
		})
		pipe.ZAdd(ctx, s.dueKey(), goredis.Z{Score: float64(runAt), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return id, nil
}

func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	removed, err := cancelScript.Run(ctx, s.client, []string{s.jobKey(jobID), s.dueKey()}, jobID).Int()
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if removed == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) Lookup(ctx context.Context, jobID string) (domain.Job, error) {
	res := s.client.HGetAll(ctx, s.jobKey(jobID))
	fields, err := res.Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("lookup job: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, domain.ErrJobNotFound
	}
	var h jobHash
	if err := res.Scan(&h); err != nil {
		return domain.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return h.toDomain(jobID), nil
}

// ClaimDue атомарно забирает задачи с RunAt <= now в порядке времени запуска,
// включая running-задачи с истёкшей арендой.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey()},
		strconv.FormatInt(now.UnixMilli(), 10), limit, s.jobKeyPrefix(),
		strconv.FormatInt(now.Add(s.lease).UnixMilli(), 10),
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load claimed jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(ids))
	for i, cmd := range cmds {
		var h jobHash
		if err := cmd.Scan(&h); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, h.toDomain(ids[i]))
	}
	return jobs, nil
}

func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	var deleted *goredis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.jobKey(jobID))
		pipe.ZRem(ctx, s.dueKey(), jobID)
		return nil
	}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *JobStore) Retry(ctx context.Context, jobID string, runAt time.Time, reason string) error {
	return s.update(ctx, jobID, domain.JobStatusScheduled, reason, runAt.UnixMilli())
}

func (s *JobStore) Fail(ctx context.Context, jobID string, reason string) error {
	return s.update(ctx, jobID, domain.JobStatusFailed, reason, 0)
}

func (s *JobStore) update(ctx context.Context, jobID string, status domain.JobStatus, reason string, runAt int64) error {
	updated, err := updateScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.dueKey()},
		jobID, string(status), reason, strconv.FormatInt(runAt, 10),
	).Int()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if updated == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Ping проверяет доступность Redis для readiness-проверки.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ domain.JobStore = (*JobStore)(nil)
