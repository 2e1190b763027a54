package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timer is a pending one-shot callback
type Timer interface {
	Stop() bool
}

// AfterFunc arms fn to run once after d
type AfterFunc func(d time.Duration, fn func()) Timer

func systemAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type scheduledTask struct {
	timer Timer
	due   time.Time
}

// TaskRegistry keeps the delayed sends of every account so that pausing or
// stopping an account can cancel the ones that have not fired yet.
type TaskRegistry struct {
	mu        sync.Mutex
	tasks     map[string]map[uint64]*scheduledTask
	nextID    uint64
	afterFunc AfterFunc
	now       func() time.Time
	logger    *zap.Logger
}

// NewTaskRegistry creates a registry backed by time.AfterFunc
func NewTaskRegistry(logger *zap.Logger) *TaskRegistry {
	return NewTaskRegistryWithTimer(logger, systemAfterFunc)
}

// NewTaskRegistryWithTimer creates a registry with a custom timer source
func NewTaskRegistryWithTimer(logger *zap.Logger, afterFunc AfterFunc) *TaskRegistry {
	return &TaskRegistry{
		tasks:     make(map[string]map[uint64]*scheduledTask),
		afterFunc: afterFunc,
		now:       time.Now,
		logger:    logger,
	}
}

// setClock makes due times follow the engine clock
func (r *TaskRegistry) setClock(clock Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = clock.Now
}

// Schedule arms fn to run after delay on behalf of accountID
func (r *TaskRegistry) Schedule(accountID string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.tasks[accountID] == nil {
		r.tasks[accountID] = make(map[uint64]*scheduledTask)
	}

	task := &scheduledTask{due: r.now().Add(delay)}
	r.tasks[accountID][id] = task
	task.timer = r.afterFunc(delay, func() {
		if !r.claim(accountID, id) {
			return
		}
		fn()
	})
}

// claim removes a fired task, reporting false if it was cancelled meanwhile
func (r *TaskRegistry) claim(accountID string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := r.tasks[accountID]
	if _, ok := tasks[id]; !ok {
		return false
	}
	delete(tasks, id)
	if len(tasks) == 0 {
		delete(r.tasks, accountID)
	}
	return true
}

// Cancel stops every pending task of an account and returns how many were dropped
func (r *TaskRegistry) Cancel(accountID string) int {
	r.mu.Lock()
	tasks := r.tasks[accountID]
	delete(r.tasks, accountID)
	r.mu.Unlock()

	for _, task := range tasks {
		task.timer.Stop()
	}

	if len(tasks) > 0 && r.logger != nil {
		r.logger.Debug("Cancelled pending tasks",
			zap.String("account_id", accountID),
			zap.Int("count", len(tasks)))
	}
	return len(tasks)
}

// Pending returns the number of tasks of an account that have not fired
func (r *TaskRegistry) Pending(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks[accountID])
}

// NextDue returns when the earliest pending task of an account fires, or nil
func (r *TaskRegistry) NextDue(accountID string) *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next *time.Time
	for _, task := range r.tasks[accountID] {
		if next == nil || task.due.Before(*next) {
			due := task.due
			next = &due
		}
	}
	return next
}

// CancelAll stops every pending task
func (r *TaskRegistry) CancelAll() {
	r.mu.Lock()
	accounts := make([]string, 0, len(r.tasks))
	for accountID := range r.tasks {
		accounts = append(accounts, accountID)
	}
	r.mu.Unlock()

	for _, accountID := range accounts {
		r.Cancel(accountID)
	}
}
