package saga

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrJournalDisabled   = errors.New("saga journal is disabled")
	ErrExecutionNotFound = errors.New("saga execution not found")
)

//go:generate mockgen --build_flags=--mod=mod -destination ../testing/mocks/saga/journal.go -package saga . Journal

// Journal records executions for lookups. Writes are best effort, nothing is resumed from it.
type Journal interface {
	Create(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, sagaID string) (*Execution, error)
}

type memoryJournal struct {
	mutex      sync.RWMutex
	executions map[string]*Execution
}

func NewMemoryJournal() Journal {
	return &memoryJournal{executions: make(map[string]*Execution)}
}

func (j *memoryJournal) Create(ctx context.Context, exec *Execution) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if _, exists := j.executions[exec.SagaID]; exists {
		return errors.Errorf("saga %s is already journaled", exec.SagaID)
	}

	j.executions[exec.SagaID] = exec.clone()

	return nil
}

func (j *memoryJournal) Update(ctx context.Context, exec *Execution) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if _, exists := j.executions[exec.SagaID]; !exists {
		return errors.Wrapf(ErrExecutionNotFound, "saga %s", exec.SagaID)
	}

	j.executions[exec.SagaID] = exec.clone()

	return nil
}

func (j *memoryJournal) Get(ctx context.Context, sagaID string) (*Execution, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	exec, exists := j.executions[sagaID]
	if !exists {
		return nil, errors.Wrapf(ErrExecutionNotFound, "saga %s", sagaID)
	}

	return exec.clone(), nil
}

func (e *Execution) clone() *Execution {
	c := *e
	c.Steps = append([]StepRecord(nil), e.Steps...)
	c.Compensations = append([]CompensationOutcome(nil), e.Compensations...)

	if e.CompletedAt != nil {
		completedAt := *e.CompletedAt
		c.CompletedAt = &completedAt
	}

	return &c
}
