package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/familyhub/internal/activity"
	"github.com/macjediwizard/familyhub/internal/caldav"
)

const (
	cleanupSchedule     = "@daily"
	defaultRepairCron   = "*/15 * * * *"
	defaultRepairBatch  = 50
	defaultLogRetention = 30 * 24 * time.Hour
	syncTimeout         = 10 * time.Minute // Maximum time for a single sync task
)

// ErrStopped is returned when work is submitted after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Task is one unit of background sync work.
type Task func(ctx context.Context) ([]*caldav.SyncReport, error)

// Repairer retries mapping rows whose remote object was never created.
type Repairer interface {
	PendingRepairs(limit int) ([]caldav.RepairTarget, error)
	RepairEvent(ctx context.Context, eventID string) (*caldav.SyncReport, error)
}

// LogCleaner deletes old sync logs.
type LogCleaner interface {
	CleanOldSyncLogs(olderThan time.Time) (int64, error)
}

// Options configures the periodic jobs.
type Options struct {
	RepairCron   string
	RepairBatch  int
	LogRetention time.Duration
	SyncTimeout  time.Duration
}

// job is one queued task.
type job struct {
	id   string
	name string
	key  string
	task Task
	done chan struct{}
}

// keyQueue holds the jobs waiting on one key. A single worker drains it in
// submission order and drops it once empty.
type keyQueue struct {
	jobs []*job
}

// Scheduler runs fire-and-forget sync tasks and the periodic repair and
// cleanup jobs.
type Scheduler struct {
	repairer Repairer
	cleaner  LogCleaner
	tracker  *activity.Tracker
	opts     Options
	cron     *cron.Cron

	mu      sync.Mutex
	queues  map[string]*keyQueue
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New creates a new scheduler. tracker may be nil.
func New(repairer Repairer, cleaner LogCleaner, tracker *activity.Tracker, opts Options) *Scheduler {
	if opts.RepairCron == "" {
		opts.RepairCron = defaultRepairCron
	}
	if opts.RepairBatch <= 0 {
		opts.RepairBatch = defaultRepairBatch
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = defaultLogRetention
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = syncTimeout
	}
	if tracker == nil {
		tracker = activity.NewTracker()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repairer: repairer,
		cleaner:  cleaner,
		tracker:  tracker,
		opts:     opts,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		queues:   make(map[string]*keyQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Tracker returns the activity tracker fed by this scheduler.
func (s *Scheduler) Tracker() *activity.Tracker {
	return s.tracker
}

// Start registers and starts the periodic jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return nil
	}

	if s.repairer != nil {
		if _, err := s.cron.AddFunc(s.opts.RepairCron, s.repairPending); err != nil {
			return fmt.Errorf("repair schedule %q: %w", s.opts.RepairCron, err)
		}
	}
	if s.cleaner != nil {
		if _, err := s.cron.AddFunc(cleanupSchedule, s.cleanupOldLogs); err != nil {
			return fmt.Errorf("cleanup schedule: %w", err)
		}
	}

	s.cron.Start()
	s.started = true

	log.Printf("Scheduler started (repair %q, batch %d)", s.opts.RepairCron, s.opts.RepairBatch)
	return nil
}

// Stop cancels in-flight tasks and waits for them and any running job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}

	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// Dispatch runs task in the background. Tasks sharing a key run one at a
// time in the order they were dispatched. It returns the task id.
func (s *Scheduler) Dispatch(name, key string, task Task) (string, error) {
	j, err := s.enqueue(name, key, task)
	if err != nil {
		log.Printf("Dropping %s for %s: %v", name, key, err)
		return "", err
	}
	return j.id, nil
}

// enqueue appends a job to its key's queue, starting a worker for the key if
// none is running.
func (s *Scheduler) enqueue(name, key string, task Task) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	j := &job{id: uuid.New().String(), name: name, key: key, task: task, done: make(chan struct{})}
	s.tracker.Queue(j.id, name, key)

	if q, ok := s.queues[key]; ok {
		q.jobs = append(q.jobs, j)
		return j, nil
	}

	q := &keyQueue{jobs: []*job{j}}
	s.queues[key] = q
	s.wg.Add(1)
	go s.drain(key, q)
	return j, nil
}

// drain runs the key's jobs until the queue is empty. Jobs queued after Stop
// still run, with a cancelled context.
func (s *Scheduler) drain(key string, q *keyQueue) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		s.mu.Unlock()

		s.execute(j)
		close(j.done)
	}
}

// execute runs one job with a timeout, recording the result in the tracker.
func (s *Scheduler) execute(j *job) {
	s.tracker.Start(j.id)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SyncTimeout)
	defer cancel()

	var (
		reports []*caldav.SyncReport
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				log.Printf("Recovered panic in %s for %s: %v", j.name, j.key, r)
			}
		}()
		reports, err = j.task(ctx)
	}()

	counts, errs := summarize(reports)
	message := ""
	if err != nil {
		message = err.Error()
		log.Printf("%s for %s failed: %v", j.name, j.key, err)
	} else if counts.Failed > 0 {
		log.Printf("%s for %s: %d succeeded, %d failed, %d skipped", j.name, j.key, counts.Succeeded, counts.Failed, counts.Skipped)
	}

	s.tracker.Finish(j.id, counts, message, errs)
}

func summarize(reports []*caldav.SyncReport) (activity.Counts, []string) {
	var counts activity.Counts
	var errs []string

	for _, report := range reports {
		if report == nil {
			continue
		}
		for _, o := range report.Outcomes {
			switch {
			case o.Skipped:
				counts.Skipped++
			case o.Success:
				counts.Succeeded++
			default:
				counts.Failed++
				errs = append(errs, fmt.Sprintf("%s %s on account %s: %s", o.Action, report.EventID, o.AccountID, o.Error))
			}
		}
	}

	return counts, errs
}

// repairPending retries pending mapping rows one event at a time. Each repair
// waits in the same queue as the request-driven work for that event's key.
func (s *Scheduler) repairPending() {
	targets, err := s.repairer.PendingRepairs(s.opts.RepairBatch)
	if err != nil {
		log.Printf("Failed to list pending syncs: %v", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	log.Printf("Repairing %d events with pending syncs", len(targets))

	for _, target := range targets {
		if s.ctx.Err() != nil {
			return
		}

		j, err := s.enqueue("repair", target.Key, func(ctx context.Context) ([]*caldav.SyncReport, error) {
			report, err := s.repairer.RepairEvent(ctx, target.EventID)
			return []*caldav.SyncReport{report}, err
		})
		if err != nil {
			return
		}
		<-j.done
	}
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().Add(-s.opts.LogRetention)
	deleted, err := s.cleaner.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}
