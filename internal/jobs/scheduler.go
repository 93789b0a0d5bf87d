package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"granary.org/internal/ids"
	"granary.org/internal/obs"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateCreated         State = "CREATED"
	StateValidated       State = "VALIDATED"
	StateRunning         State = "RUNNING"
	StateSucceeded       State = "SUCCEEDED"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateFailedFatal     State = "FAILED_FATAL"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedRetryable, StateFailedFatal:
		return true
	}
	return false
}

var (
	ErrSchedulerClosed = errors.New("scheduler is shut down")
	ErrUnknownJobKey   = errors.New("no handler registered for job key")
	ErrJobNotFound     = errors.New("job not found")
)

// ExecutionError classifies a handler failure. Handlers return it to steer
// the terminal state; plain errors default to retryable.
type ExecutionError struct {
	Cause     error
	Retryable bool
}

func (e *ExecutionError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("job execution failed (%s): %v", kind, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// FatalError wraps a cause that must not be retried.
func FatalError(cause error) *ExecutionError {
	return &ExecutionError{Cause: cause, Retryable: false}
}

// RetryableError wraps a cause worth another attempt.
func RetryableError(cause error) *ExecutionError {
	return &ExecutionError{Cause: cause, Retryable: true}
}

// Run is what a handler receives for one execution.
type Run struct {
	JobID    string
	Args     Arguments
	Metadata map[string]string
}

// Handler executes one job.
type Handler func(ctx context.Context, run Run) error

// Job is the scheduler's record of one submission. Fields other than ID,
// Key and Name change as the job progresses; read them through Get, which
// returns a consistent copy.
type Job struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Name       string            `json:"name"`
	State      State             `json:"state"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`

	args Arguments
	done chan struct{}
}

// Scheduler runs submitted jobs on a bounded worker pool. Jobs carrying the
// same exclusivity key (the org metadata entry) execute strictly serially in
// submission order; jobs with distinct keys run concurrently.
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*Job
	waiting  map[string][]*Job
	active   map[string]bool
	closed   bool

	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler with at most workers concurrent jobs.
func NewScheduler(workers int, opts ...SchedulerOption) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		waiting:  make(map[string][]*Job),
		active:   make(map[string]bool),
		sem:      make(chan struct{}, workers),
		baseCtx:  ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a job key. Later registrations replace
// earlier ones.
func (s *Scheduler) Register(jobKey string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobKey] = h
}

// Submit validates the config synchronously and dispatches the job
// asynchronously. The returned Job is a snapshot at submission time.
func (s *Scheduler) Submit(ctx context.Context, cfg *Config) (Job, error) {
	if err := cfg.Err(); err != nil {
		return Job{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ErrSchedulerClosed
	}
	if _, ok := s.handlers[cfg.JobKey()]; !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJobKey, cfg.JobKey())
	}

	metadata := make(map[string]string, len(cfg.Metadata()))
	for k, v := range cfg.Metadata() {
		metadata[k] = v
	}
	j := &Job{
		ID:        ids.New(),
		Key:       cfg.JobKey(),
		Name:      cfg.Name(),
		State:     StateValidated,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
		args:      cfg.Arguments().Clone(),
		done:      make(chan struct{}),
	}
	s.jobs[j.ID] = j

	key := metadata[MetadataOrg]
	if key != "" && s.active[key] {
		// Another job for this org is running; queue in FIFO order.
		s.waiting[key] = append(s.waiting[key], j)
		snapshot := snapshotLocked(j)
		s.mu.Unlock()
		return snapshot, nil
	}
	if key != "" {
		s.active[key] = true
	}
	s.wg.Add(1)
	snapshot := snapshotLocked(j)
	s.mu.Unlock()

	go s.execute(j, key)
	return snapshot, nil
}

func (s *Scheduler) execute(j *Job, key string) {
	defer s.wg.Done()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	handler := s.handlerFor(j.Key)
	started := s.now().UTC()

	s.mu.Lock()
	j.State = StateRunning
	j.StartedAt = started
	s.mu.Unlock()
	obs.JobStarted()

	err := handler(s.baseCtx, Run{JobID: j.ID, Args: j.args, Metadata: j.Metadata})

	state := StateSucceeded
	var msg string
	if err != nil {
		msg = err.Error()
		state = StateFailedRetryable
		var execErr *ExecutionError
		if errors.As(err, &execErr) && !execErr.Retryable {
			state = StateFailedFatal
		}
	}
	finished := s.now().UTC()

	s.mu.Lock()
	j.State = state
	j.Error = msg
	j.FinishedAt = finished
	close(j.done)
	s.mu.Unlock()
	obs.JobFinished(j.Key, string(state), finished.Sub(started))

	if key != "" {
		s.releaseKey(key)
	}
}

// releaseKey hands the exclusivity key to the next queued job or frees it.
func (s *Scheduler) releaseKey(key string) {
	s.mu.Lock()
	queue := s.waiting[key]
	if len(queue) == 0 {
		delete(s.active, key)
		delete(s.waiting, key)
		s.mu.Unlock()
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(s.waiting, key)
	} else {
		s.waiting[key] = queue[1:]
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(next, key)
}

func (s *Scheduler) handlerFor(jobKey string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[jobKey]
}

// Get returns a snapshot of the job.
func (s *Scheduler) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return snapshotLocked(j), nil
}

// Await blocks until the job reaches a terminal state or the context ends.
func (s *Scheduler) Await(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-j.done:
		return s.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Stop rejects new submissions and waits for in-flight and queued jobs to
// finish, or for the context to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func snapshotLocked(j *Job) Job {
	out := *j
	out.Metadata = make(map[string]string, len(j.Metadata))
	for k, v := range j.Metadata {
		out.Metadata[k] = v
	}
	out.args = nil
	out.done = nil
	return out
}
