// Package scheduler queues, prioritizes, throttles and retries the
// asynchronous remote operations issued by the sync core. Two
// independent queues (metadata calls, file transfers) each cap the
// number of simultaneously running jobs; within a queue, user-initiated
// jobs start before background jobs and FIFO within a class. Transient
// remote failures share one globally doubling backoff clock, so a burst
// of failures throttles the whole scheduler rather than a single job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/openmirror/drivesync/internal/drive"
	"github.com/openmirror/drivesync/internal/queue"
)

var (
	ErrCanceled       = errors.New("scheduler: job canceled")
	ErrSchedulerDown  = errors.New("scheduler: not running")
	ErrUnknownJob     = errors.New("scheduler: unknown job")
	ErrRetryExhausted = errors.New("scheduler: retries exhausted")
)

const numQueues = 2

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	// MaxMetadataJobs caps concurrently running metadata jobs. It
	// should exceed MaxFileJobs; metadata calls are cheap.
	MaxMetadataJobs int
	// MaxFileJobs caps concurrently running file transfers.
	MaxFileJobs int
	// MaxRetries bounds transient-failure retries per job.
	MaxRetries int
	// InitialBackoff seeds the shared backoff clock.
	InitialBackoff time.Duration
	// MaxBackoff caps the shared backoff clock.
	MaxBackoff time.Duration
	// BackgroundTransfersOnMetered lets background file transfers run
	// on metered connections.
	BackgroundTransfersOnMetered bool
}

func (c Config) withDefaults() Config {
	if c.MaxMetadataJobs <= 0 {
		c.MaxMetadataJobs = 6
	}
	if c.MaxFileJobs <= 0 {
		c.MaxFileJobs = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	return c
}

type job struct {
	info     JobInfo
	fn       JobFunc
	cb       Callback
	cancel   context.CancelFunc
	canceled bool
}

// Scheduler owns every job from StartJob until the terminal callback.
// Queue and job-map mutation is funnelled through one mutex; RUNNING
// jobs are independent goroutines bounded per queue.
type Scheduler struct {
	cfg  Config
	conn ConnectionMonitor

	ctx     context.Context
	ctxStop context.CancelFunc

	mu      sync.Mutex
	jobs    map[JobID]*job
	queues  [numQueues]*queue.PriorityQueue[JobID]
	running [numQueues]int
	// Shared backoff clock: doubles on any transient failure, resets on
	// any success. Deliberately process-wide, not per-job.
	backoff    time.Duration
	retryTimer *time.Timer
	closed     bool

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a scheduler. A nil monitor means always connected.
func New(cfg Config, conn ConnectionMonitor) *Scheduler {
	if conn == nil {
		conn = StaticConnection(Connected)
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		ctx:     ctx,
		ctxStop: stop,
		jobs:    make(map[JobID]*job),
	}
	for i := range s.queues {
		s.queues[i] = queue.NewPriorityQueue[JobID]()
	}
	return s
}

// AddObserver registers for job lifecycle notifications.
func (s *Scheduler) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// StartJob creates and enqueues a job, returning its id. The callback
// fires exactly once with the terminal outcome.
func (s *Scheduler) StartJob(jobType JobType, priority Priority, description string, fn JobFunc, cb Callback) (JobID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSchedulerDown
	}

	id := JobID(uuid.NewString())
	j := &job{
		info: JobInfo{
			ID:          id,
			Type:        jobType,
			State:       JobStateQueued,
			Priority:    priority,
			Description: description,
			CreatedAt:   time.Now(),
		},
		fn: fn,
		cb: cb,
	}
	s.jobs[id] = j
	s.queues[jobType].Enqueue(id, int(priority))
	info := j.info
	s.mu.Unlock()

	slog.Debug("job added", "id", id, "type", jobType, "priority", priority, "desc", description)
	s.notifyAdded(info)
	s.doJobLoop()
	return id, nil
}

// CancelJob cancels a job. A RUNNING job gets its context cancelled
// (best-effort abort); a QUEUED job is removed and its callback fires
// synchronously with ErrCanceled, never touching the network.
func (s *Scheduler) CancelJob(id JobID) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}

	switch j.info.State {
	case JobStateRunning:
		j.canceled = true
		cancel := j.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case JobStateQueued, JobStateRetryWait:
		j.canceled = true
		s.queues[j.info.Type].Remove(func(qid JobID) bool { return qid == id })
		delete(s.jobs, id)
		j.info.State = JobStateDone
		info := j.info
		s.mu.Unlock()

		if j.cb != nil {
			j.cb(ErrCanceled)
		}
		s.notifyDone(info, ErrCanceled)
		return nil

	default:
		s.mu.Unlock()
		return nil
	}
}

// CancelAll cancels every queued and running job.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	ids := make([]JobID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.CancelJob(id) //nolint:errcheck // already-finished jobs are fine
	}
}

// Close cancels everything and stops the scheduler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.CancelAll()
	s.ctxStop()
}

// GetJobInfoList returns a snapshot of every live job, oldest first.
func (s *Scheduler) GetJobInfoList() []JobInfo {
	s.mu.Lock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, j.info)
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, k int) bool { return infos[i].CreatedAt.Before(infos[k].CreatedAt) })
	return infos
}

// NotifyConnectionChanged re-evaluates admission after a connectivity
// change.
func (s *Scheduler) NotifyConnectionChanged() {
	s.doJobLoop()
}

// doJobLoop starts the highest-priority eligible job whenever a queue
// slot is free. Eligibility is uniform per priority class, and classes
// sort together, so peeking the top of each queue is sufficient.
func (s *Scheduler) doJobLoop() {
	var started []*job

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	status := s.conn.Status()
	for qt := JobType(0); qt < numQueues; qt++ {
		limit := s.queueCap(qt)
		for s.running[qt] < limit {
			id, ok := s.queues[qt].Peek()
			if !ok {
				break
			}
			j := s.jobs[id]
			if j == nil {
				// Stale queue entry; drop it.
				s.queues[qt].Dequeue()
				continue
			}
			if !s.eligible(qt, j.info.Priority, status) {
				break
			}
			s.queues[qt].Dequeue()
			s.running[qt]++
			j.info.State = JobStateRunning
			ctx, cancel := context.WithCancel(s.ctx)
			j.cancel = cancel
			started = append(started, j)
			go s.runJob(ctx, j)
		}
	}
	infos := make([]JobInfo, len(started))
	for i, j := range started {
		infos[i] = j.info
	}
	s.mu.Unlock()

	for _, info := range infos {
		s.notifyUpdated(info)
	}
}

func (s *Scheduler) queueCap(t JobType) int {
	if t == JobTypeFileTransfer {
		return s.cfg.MaxFileJobs
	}
	return s.cfg.MaxMetadataJobs
}

// eligible implements connectivity gating: nothing runs disconnected;
// on metered connections background file transfers wait unless allowed
// by configuration.
func (s *Scheduler) eligible(t JobType, p Priority, status ConnectionStatus) bool {
	switch status {
	case Disconnected:
		return false
	case Metered:
		if t == JobTypeFileTransfer && p == PriorityBackground {
			return s.cfg.BackgroundTransfersOnMetered
		}
		return true
	default:
		return true
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	progress := func(processed, total int64) {
		s.mu.Lock()
		j.info.BytesProcessed = processed
		j.info.BytesTotal = total
		info := j.info
		s.mu.Unlock()

		slog.Debug("job progress", "id", info.ID,
			"processed", humanize.Bytes(uint64(processed)),
			"total", humanize.Bytes(uint64(total)))
		s.notifyUpdated(info)
	}

	err := j.fn(ctx, progress)
	s.onJobFinished(j, err)
}

// onJobFinished is the single funnel for completion bookkeeping:
// terminal delivery, or re-queue through the shared backoff clock.
func (s *Scheduler) onJobFinished(j *job, err error) {
	s.mu.Lock()
	s.running[j.info.Type]--
	j.cancel = nil

	canceled := j.canceled || errors.Is(err, context.Canceled)

	var terminalErr error
	terminal := true
	switch {
	case canceled:
		terminalErr = ErrCanceled
	case err == nil:
		s.backoff = 0 // success resets the shared clock
	case drive.IsTransient(err) && j.info.RetryCount < s.cfg.MaxRetries && !s.closed:
		terminal = false
		j.info.RetryCount++
		j.info.State = JobStateRetryWait
		s.bumpBackoffLocked()
		s.armRetryTimerLocked()
	case drive.IsTransient(err):
		terminalErr = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, j.info.RetryCount, err)
	default:
		terminalErr = err
	}

	if terminal {
		j.info.State = JobStateDone
		delete(s.jobs, j.info.ID)
	}
	info := j.info
	backoff := s.backoff
	s.mu.Unlock()

	if !terminal {
		slog.Debug("job retry scheduled", "id", info.ID, "retries", info.RetryCount, "backoff", backoff, "error", err)
		s.notifyUpdated(info)
		s.doJobLoop()
		return
	}

	if terminalErr != nil {
		slog.Debug("job failed", "id", info.ID, "error", terminalErr)
	} else {
		slog.Debug("job done", "id", info.ID)
	}
	if j.cb != nil {
		j.cb(terminalErr)
	}
	s.notifyDone(info, terminalErr)
	s.doJobLoop()
}

func (s *Scheduler) bumpBackoffLocked() {
	if s.backoff == 0 {
		s.backoff = s.cfg.InitialBackoff
		return
	}
	s.backoff *= 2
	if s.backoff > s.cfg.MaxBackoff {
		s.backoff = s.cfg.MaxBackoff
	}
}

// armRetryTimerLocked schedules one wakeup that re-queues every job in
// RETRY_WAIT. Failures landing while the timer is pending ride the same
// wakeup.
func (s *Scheduler) armRetryTimerLocked() {
	if s.retryTimer != nil {
		return
	}
	s.retryTimer = time.AfterFunc(s.backoff, s.requeueRetryWait)
}

func (s *Scheduler) requeueRetryWait() {
	s.mu.Lock()
	s.retryTimer = nil
	for id, j := range s.jobs {
		if j.info.State == JobStateRetryWait {
			j.info.State = JobStateQueued
			s.queues[j.info.Type].Enqueue(id, int(j.info.Priority))
		}
	}
	s.mu.Unlock()

	s.doJobLoop()
}

func (s *Scheduler) snapshot() []Observer {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Scheduler) notifyAdded(info JobInfo) {
	for _, o := range s.snapshot() {
		o.OnJobAdded(info)
	}
}

func (s *Scheduler) notifyUpdated(info JobInfo) {
	for _, o := range s.snapshot() {
		o.OnJobUpdated(info)
	}
}

func (s *Scheduler) notifyDone(info JobInfo, err error) {
	for _, o := range s.snapshot() {
		o.OnJobDone(info, err)
	}
}
