package domain

import "time"

// JobStatus — состояние отложенной задачи.
type JobStatus string

const (
	// JobStatusScheduled — задача ждёт наступления RunAt.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusRunning — задача взята воркером, отменить её уже нельзя. Пока задача
	// running, RunAt хранит срок аренды: по его истечении задачу забирают снова.
	JobStatusRunning JobStatus = "running"
	// JobStatusFailed — исчерпаны попытки выполнения.
	JobStatusFailed JobStatus = "failed"
)

// DefaultJobLease — срок аренды взятой задачи, после которого она считается зависшей.
const DefaultJobLease = 5 * time.Minute

// Job — отложенная задача очереди.
type Job struct {
	ID        string
	Name      string
	Payload   []byte
	RunAt     time.Time
	Status    JobStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
}
