package activity

import (
	"sync"
	"time"
)

const maxRecentTasks = 20

// Task statuses.
const (
	StatusWaiting   = "waiting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Counts tallies per-account outcomes of one task.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Task is the state of one background sync task.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Key         string     `json:"key"`
	Status      string     `json:"status"`
	Counts      Counts     `json:"counts"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

// Tracker tracks running and recently finished sync tasks.
type Tracker struct {
	mu     sync.RWMutex
	active map[string]*Task
	recent []*Task
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[string]*Task),
		recent: make([]*Task, 0),
	}
}

// Queue registers a task that is waiting for its key.
func (t *Tracker) Queue(id, name, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[id] = &Task{
		ID:       id,
		Name:     name,
		Key:      key,
		Status:   StatusWaiting,
		QueuedAt: time.Now(),
	}
}

// Start marks a queued task as running.
func (t *Tracker) Start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if task, exists := t.active[id]; exists {
		now := time.Now()
		task.StartedAt = &now
		task.Status = StatusRunning
	}
}

// Finish marks a task as done and moves it to recent.
func (t *Tracker) Finish(id string, counts Counts, message string, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, exists := t.active[id]
	if !exists {
		return
	}

	now := time.Now()
	from := task.QueuedAt
	if task.StartedAt != nil {
		from = *task.StartedAt
	}
	task.CompletedAt = &now
	task.Duration = now.Sub(from).Round(time.Millisecond).String()
	task.Counts = counts
	task.Message = message
	task.Errors = errs

	switch {
	case message != "" && counts.Succeeded == 0:
		task.Status = StatusError
	case counts.Failed > 0 || message != "":
		task.Status = StatusPartial
	default:
		task.Status = StatusCompleted
	}

	t.recent = append([]*Task{task}, t.recent...)
	if len(t.recent) > maxRecentTasks {
		t.recent = t.recent[:maxRecentTasks]
	}

	delete(t.active, id)
}

// GetActive returns all waiting and running tasks.
func (t *Tracker) GetActive() []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Task, 0, len(t.active))
	for _, task := range t.active {
		c := *task
		if task.StartedAt != nil {
			c.Duration = time.Since(*task.StartedAt).Round(time.Millisecond).String()
		}
		result = append(result, &c)
	}
	return result
}

// GetRecent returns recently finished tasks, newest first.
func (t *Tracker) GetRecent() []*Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Task, len(t.recent))
	for i, task := range t.recent {
		c := *task
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent tasks.
func (t *Tracker) GetAll() map[string]any {
	return map[string]any{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsKeyBusy reports whether any task for key is waiting or running.
func (t *Tracker) IsKeyBusy(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, task := range t.active {
		if task.Key == key {
			return true
		}
	}
	return false
}
