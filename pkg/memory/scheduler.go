package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// JobState is the lifecycle state of a summarization job.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobDelaying JobState = "delaying"
	JobRunning  JobState = "running"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
	JobAborted  JobState = "aborted"
)

// Job is one summarization request inside a run.
type Job struct {
	Index    int
	Priority int
	State    JobState
	// Skipped is set on done jobs that found nothing to do.
	Skipped bool
	Err     error
}

// RunOptions controls a scheduler run.
type RunOptions struct {
	ShowProgress     bool
	SkipInitialDelay bool
	// Force re-summarizes messages whose text did not change.
	Force bool
}

// RunResult reports the terminal state of every job of a run.
type RunResult struct {
	Jobs    []Job
	Stopped bool
}

// Count returns the number of jobs that ended in state.
func (r RunResult) Count(state JobState) int {
	n := 0
	for _, j := range r.Jobs {
		if j.State == state {
			n++
		}
	}
	return n
}

// JobFunc performs one job. skipped reports an idempotent no-op.
type JobFunc func(ctx context.Context, index int, force bool) (skipped bool, err error)

// SchedulerHooks are optional observers of a scheduler.
type SchedulerHooks struct {
	// Delay returns the pause between jobs; read before every job.
	Delay func() time.Duration
	// OnTransition is called after every job state change.
	OnTransition func(Job)
	// OnProgress is called with 1-based positions when progress is shown.
	OnProgress func(done, total int, label string)
	// OnFinish runs after every run, completed or stopped.
	OnFinish func(ctx context.Context)
}

// Scheduler runs summarization jobs of one conversation strictly one at a
// time. Runs never overlap; a second Run waits for the active one.
type Scheduler struct {
	work  JobFunc
	hooks SchedulerHooks
	sem   chan struct{}

	mu      sync.Mutex
	stop    bool
	epoch   uint64
	wake    chan struct{}
	queue   []*Job
	active  *Job
	dropped bool
	running bool
	current int
}

func NewScheduler(work JobFunc, hooks SchedulerHooks) *Scheduler {
	return &Scheduler{
		work:    work,
		hooks:   hooks,
		sem:     make(chan struct{}, 1),
		current: -1,
	}
}

// Running reports whether a run is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Current returns the index being summarized, or -1.
func (s *Scheduler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Pending returns the indices still queued in the active run.
func (s *Scheduler) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.queue))
	for _, j := range s.queue {
		out = append(out, j.Index)
	}
	return out
}

// Stop asks the active run to dispatch no further jobs and ends any pending
// delay at once. Runs waiting behind the active one are stopped too. A job
// already handed to the backend still completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = true
	s.epoch++
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
	}
}

// Stopping reports whether a stop was requested for the active run.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// Forget drops jobs for a deleted index and shifts the ones above it. The
// job taken from the queue but not yet dispatched is included.
func (s *Scheduler) Forget(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.active; j != nil && !s.dropped {
		switch {
		case j.Index == index:
			s.dropped = true
		case j.Index > index:
			j.Index--
		}
	}
	kept := s.queue[:0]
	for _, j := range s.queue {
		switch {
		case j.Index == index:
			continue
		case j.Index > index:
			j.Index--
		}
		kept = append(kept, j)
	}
	s.queue = kept
}

// Run processes indices in order. It returns ctx.Err() when ctx ends the
// run; a user stop is reported through RunResult.Stopped with a nil error.
func (s *Scheduler) Run(ctx context.Context, indices []int, opts RunOptions) (RunResult, error) {
	if len(indices) == 0 {
		return RunResult{}, nil
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return s.cancelled(ctx, indices), nil
	}
	s.stop = false
	s.running = true
	s.queue = make([]*Job, 0, len(indices))
	for i, idx := range indices {
		s.queue = append(s.queue, &Job{Index: idx, Priority: i, State: JobQueued})
	}
	s.mu.Unlock()

	total := len(indices)
	showProgress := opts.ShowProgress && total > 1
	var result RunResult
	var runErr error

	for n := 0; ; n++ {
		job, ok := s.next()
		if !ok {
			break
		}
		if showProgress {
			s.progress(n+1, total, "Summarizing")
		}
		if s.Stopping() {
			result.Stopped = true
			result.Jobs = append(result.Jobs, s.abort(job, ErrAborted)...)
			break
		}

		if delay := s.delay(); delay > 0 && (n > 0 || !opts.SkipInitialDelay) {
			s.transition(job, JobDelaying)
			if showProgress {
				s.progress(n+1, total, "Delaying")
			}
			if !s.sleep(ctx, delay) || s.Stopping() {
				cause := ErrAborted
				if err := ctx.Err(); err != nil {
					cause, runErr = err, err
				} else {
					result.Stopped = true
				}
				result.Jobs = append(result.Jobs, s.abort(job, cause)...)
				break
			}
		}

		s.mu.Lock()
		dropped := s.dropped
		s.active, s.dropped = nil, false
		index := job.Index
		if !dropped {
			s.current = index
		}
		s.mu.Unlock()
		if dropped {
			job.Err = ErrMessageRemoved
			s.transition(job, JobAborted)
			result.Jobs = append(result.Jobs, *job)
			continue
		}
		s.transition(job, JobRunning)

		skipped, err := s.work(ctx, index, opts.Force)
		switch {
		case errors.Is(err, ErrAborted):
			job.Err = err
			s.transition(job, JobAborted)
		case err != nil:
			job.Err = err
			s.transition(job, JobFailed)
		default:
			job.Skipped = skipped
			s.transition(job, JobDone)
		}
		result.Jobs = append(result.Jobs, *job)
	}

	s.mu.Lock()
	if s.stop {
		result.Stopped = true
	}
	s.stop = false
	s.running = false
	s.queue = nil
	s.active, s.dropped = nil, false
	s.current = -1
	s.mu.Unlock()

	if result.Stopped {
		logger.InfoC("scheduler", "Summarization stopped")
	}
	logger.DebugCF("scheduler", "Run finished", map[string]interface{}{
		"jobs":    len(result.Jobs),
		"done":    result.Count(JobDone),
		"failed":  result.Count(JobFailed),
		"aborted": result.Count(JobAborted),
	})
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(context.WithoutCancel(ctx))
	}
	return result, runErr
}

func (s *Scheduler) next() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	s.active, s.dropped = job, false
	return job, true
}

// cancelled reports a run that was stopped while waiting for its turn.
func (s *Scheduler) cancelled(ctx context.Context, indices []int) RunResult {
	result := RunResult{Stopped: true}
	for i, idx := range indices {
		job := &Job{Index: idx, Priority: i, Err: ErrAborted}
		s.transition(job, JobAborted)
		result.Jobs = append(result.Jobs, *job)
	}
	logger.InfoC("scheduler", "Queued summarization stopped before it started")
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(context.WithoutCancel(ctx))
	}
	return result
}

// abort marks job and every job still queued as aborted.
func (s *Scheduler) abort(job *Job, cause error) []Job {
	s.mu.Lock()
	rest := s.queue
	s.queue = nil
	s.active, s.dropped = nil, false
	s.mu.Unlock()

	out := make([]Job, 0, len(rest)+1)
	for _, j := range append([]*Job{job}, rest...) {
		j.Err = cause
		s.transition(j, JobAborted)
		out = append(out, *j)
	}
	return out
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	if s.stop {
		s.mu.Unlock()
		return false
	}
	wake := make(chan struct{})
	s.wake = wake
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.wake == wake {
			s.wake = nil
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-wake:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) delay() time.Duration {
	if s.hooks.Delay == nil {
		return 0
	}
	return s.hooks.Delay()
}

// transition updates job under the lock, since Forget may shift the job
// waiting for dispatch.
func (s *Scheduler) transition(job *Job, state JobState) {
	s.mu.Lock()
	job.State = state
	snapshot := *job
	s.mu.Unlock()
	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(snapshot)
	}
}

func (s *Scheduler) progress(done, total int, label string) {
	if s.hooks.OnProgress != nil {
		s.hooks.OnProgress(done, total, label)
	}
}
