// Package scheduler runs registered policy jobs on a shared ticker: each
// tick, jobs whose interval has elapsed since their last run are dispatched
// to a bounded worker pool. Jobs touching the same hypertable never run
// concurrently; an overlapping due job is skipped and retried next tick.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/pkg/types"
)

// JobFunc is the work a policy job performs.
type JobFunc func(ctx context.Context) error

// RecordFunc persists a job's completed-run timestamp. The engine points
// this at the catalog so last-run state survives restarts.
type RecordFunc func(ctx context.Context, hypertable string, kind types.PolicyKind, name string, lastRun time.Time) error

// Config holds scheduler tuning.
type Config struct {
	// TickInterval is how often due jobs are checked for.
	TickInterval time.Duration

	// Workers bounds how many jobs run concurrently.
	Workers int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: 10 * time.Second,
		Workers:      4,
	}
}

// job is one registered policy job and its run bookkeeping.
type job struct {
	hypertable string
	kind       types.PolicyKind
	name       string
	interval   time.Duration
	fn         JobFunc

	lastRun    time.Time
	inProgress bool
}

func (j *job) key() string {
	return j.hypertable + "/" + string(j.kind) + "/" + j.name
}

// Scheduler dispatches registered jobs. Run state is scoped to this
// instance; last-run timestamps are re-seeded from the catalog on restart.
type Scheduler struct {
	config Config
	clk    clock.Clock
	record RecordFunc

	mu     sync.Mutex
	jobs   map[string]*job
	htBusy map[string]bool

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	workers chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. record may be nil when last-run persistence is
// not needed (tests).
func New(config Config, clk clock.Clock, record RecordFunc) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	return &Scheduler{
		config:  config,
		clk:     clk,
		record:  record,
		jobs:    make(map[string]*job),
		htBusy:  make(map[string]bool),
		workers: make(chan struct{}, config.Workers),
	}
}

// Register adds or replaces a policy job. name distinguishes multiple jobs
// of the same kind on one hypertable; compression and retention leave it
// empty. lastRun seeds the schedule, typically from the catalog's policy
// record; zero means the job is due immediately.
func (s *Scheduler) Register(hypertable string, kind types.PolicyKind, name string, interval time.Duration, lastRun time.Time, fn JobFunc) {
	j := &job{
		hypertable: hypertable,
		kind:       kind,
		name:       name,
		interval:   interval,
		fn:         fn,
		lastRun:    lastRun,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[j.key()]; ok && !old.lastRun.IsZero() && lastRun.IsZero() {
		// Reconfiguration keeps the existing schedule position.
		j.lastRun = old.lastRun
	}
	s.jobs[j.key()] = j
}

// Unregister removes a policy job. A run already in flight finishes.
func (s *Scheduler) Unregister(hypertable string, kind types.PolicyKind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, hypertable+"/"+string(kind)+"/"+name)
}

// UnregisterHypertable removes every job bound to a hypertable.
func (s *Scheduler) UnregisterHypertable(hypertable string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.jobs {
		if j.hypertable == hypertable {
			delete(s.jobs, key)
		}
	}
}

// Start begins the scheduling loop. It runs until the context is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the scheduler, waiting for in-flight jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// run is the main scheduling loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.RunDue(ctx)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue dispatches every due job whose hypertable is idle. Exported so the
// engine can force a cycle without waiting for the ticker.
func (s *Scheduler) RunDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.clk.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.lastRun.IsZero() && now.Before(j.lastRun.Add(j.interval)) {
			continue
		}
		if j.inProgress {
			err := errors.NewPolicyConflict(fmt.Sprintf("job %s still running, skipping this cycle", j.key()))
			log.Printf("scheduler: %v", err)
			continue
		}
		if s.htBusy[j.hypertable] {
			// Another policy holds the hypertable; retry next tick.
			continue
		}
		j.inProgress = true
		s.htBusy[j.hypertable] = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go s.dispatch(ctx, j)
	}
}

// dispatch runs one job inside the worker pool and records its completion.
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	defer s.wg.Done()

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		s.release(j, false)
		return
	}
	defer func() { <-s.workers }()

	err := j.fn(ctx)
	if err != nil {
		log.Printf("scheduler: job %s failed: %v", j.key(), err)
	}
	s.release(j, err == nil)

	if err == nil && s.record != nil {
		finished := s.clk.Now()
		if recErr := s.record(ctx, j.hypertable, j.kind, j.name, finished); recErr != nil {
			log.Printf("scheduler: failed to record last run of %s: %v", j.key(), recErr)
		}
	}
}

// release marks the job and its hypertable idle. A successful run advances
// lastRun; a failed run leaves it, so the job retries next tick.
func (s *Scheduler) release(j *job, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.inProgress = false
	delete(s.htBusy, j.hypertable)
	if completed {
		j.lastRun = s.clk.Now()
	}
}
