package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/drivesync/internal/drive"
)

const testWait = 5 * time.Second

func testConfig() Config {
	return Config{
		MaxMetadataJobs: 6,
		MaxFileJobs:     2,
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}
}

type connSwitch struct {
	status atomic.Int32
}

func (c *connSwitch) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *connSwitch) set(s ConnectionStatus) {
	c.status.Store(int32(s))
}

func noopJob(ctx context.Context, progress Progress) error { return nil }

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(testWait):
		t.Fatal("timed out waiting for job callback")
		return nil
	}
}

func TestScheduler_RunsJob(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	done := make(chan error, 1)
	var ran atomic.Bool
	_, err := s.StartJob(JobTypeMetadata, PriorityUserInitiated, "fetch about",
		func(ctx context.Context, progress Progress) error {
			ran.Store(true)
			return nil
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	require.NoError(t, waitErr(t, done))
	assert.True(t, ran.Load())
}

func TestScheduler_PriorityStartOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMetadataJobs = 1
	s := New(cfg, nil)
	defer s.Close()

	// Hold the single slot so the next two submissions stay queued.
	release := make(chan struct{})
	blockerDone := make(chan error, 1)
	_, err := s.StartJob(JobTypeMetadata, PriorityUserInitiated, "blocker",
		func(ctx context.Context, progress Progress) error {
			<-release
			return nil
		},
		func(err error) { blockerDone <- err },
	)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	record := func(name string) JobFunc {
		return func(ctx context.Context, progress Progress) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	bgDone := make(chan error, 1)
	userDone := make(chan error, 1)

	// Background submitted first, user-initiated second.
	_, err = s.StartJob(JobTypeMetadata, PriorityBackground, "bg", record("bg"),
		func(err error) { bgDone <- err })
	require.NoError(t, err)
	_, err = s.StartJob(JobTypeMetadata, PriorityUserInitiated, "user", record("user"),
		func(err error) { userDone <- err })
	require.NoError(t, err)

	close(release)
	require.NoError(t, waitErr(t, blockerDone))
	require.NoError(t, waitErr(t, userDone))
	require.NoError(t, waitErr(t, bgDone))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"user", "bg"}, order)
}

func TestScheduler_RetriesTransientThenSucceeds(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	var attempts atomic.Int32
	done := make(chan error, 1)
	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "flaky",
		func(ctx context.Context, progress Progress) error {
			if attempts.Add(1) < 3 {
				return &drive.APIError{Code: drive.CodeRateLimited, Message: "slow down"}
			}
			return nil
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestScheduler_RetryExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	s := New(cfg, nil)
	defer s.Close()

	var attempts atomic.Int32
	done := make(chan error, 1)
	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "always failing",
		func(ctx context.Context, progress Progress) error {
			attempts.Add(1)
			return &drive.APIError{Code: drive.CodeInternalError, Message: "boom"}
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	err = waitErr(t, done)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, int32(3), attempts.Load())
}

func TestScheduler_TerminalErrorNotRetried(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	var attempts atomic.Int32
	done := make(chan error, 1)
	terminal := &drive.APIError{Code: drive.CodeNotFound, Message: "gone"}
	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "missing",
		func(ctx context.Context, progress Progress) error {
			attempts.Add(1)
			return terminal
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	err = waitErr(t, done)
	var apiErr *drive.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, drive.CodeNotFound, apiErr.Code)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	conn := &connSwitch{}
	conn.set(Disconnected)
	s := New(testConfig(), conn)
	defer s.Close()

	var ran atomic.Bool
	done := make(chan error, 1)
	id, err := s.StartJob(JobTypeMetadata, PriorityUserInitiated, "held",
		func(ctx context.Context, progress Progress) error {
			ran.Store(true)
			return nil
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	// Callback fires synchronously for queued cancels.
	require.NoError(t, s.CancelJob(id))
	assert.ErrorIs(t, <-done, ErrCanceled)
	assert.False(t, ran.Load(), "cancelled queued job must never run")
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	started := make(chan struct{})
	done := make(chan error, 1)
	id, err := s.StartJob(JobTypeFileTransfer, PriorityUserInitiated, "long download",
		func(ctx context.Context, progress Progress) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(testWait):
		t.Fatal("job never started")
	}

	require.NoError(t, s.CancelJob(id))
	assert.ErrorIs(t, waitErr(t, done), ErrCanceled)
}

func TestScheduler_ConnectivityGating(t *testing.T) {
	conn := &connSwitch{}
	conn.set(Disconnected)
	s := New(testConfig(), conn)
	defer s.Close()

	done := make(chan error, 1)
	_, err := s.StartJob(JobTypeMetadata, PriorityUserInitiated, "held until online",
		noopJob, func(err error) { done <- err })
	require.NoError(t, err)

	// Held while disconnected.
	select {
	case <-done:
		t.Fatal("job ran while disconnected")
	case <-time.After(50 * time.Millisecond):
	}

	conn.set(Connected)
	s.NotifyConnectionChanged()
	require.NoError(t, waitErr(t, done))
}

func TestScheduler_MeteredHoldsBackgroundTransfers(t *testing.T) {
	conn := &connSwitch{}
	conn.set(Metered)
	s := New(testConfig(), conn)
	defer s.Close()

	bgDone := make(chan error, 1)
	userDone := make(chan error, 1)
	metaDone := make(chan error, 1)

	_, err := s.StartJob(JobTypeFileTransfer, PriorityBackground, "bg transfer",
		noopJob, func(err error) { bgDone <- err })
	require.NoError(t, err)
	_, err = s.StartJob(JobTypeFileTransfer, PriorityUserInitiated, "user transfer",
		noopJob, func(err error) { userDone <- err })
	require.NoError(t, err)
	_, err = s.StartJob(JobTypeMetadata, PriorityBackground, "metadata",
		noopJob, func(err error) { metaDone <- err })
	require.NoError(t, err)

	// Metadata and user-initiated transfers run on metered connections.
	require.NoError(t, waitErr(t, userDone))
	require.NoError(t, waitErr(t, metaDone))

	// Background transfer is held.
	select {
	case <-bgDone:
		t.Fatal("background transfer ran on metered connection")
	case <-time.After(50 * time.Millisecond):
	}

	conn.set(Connected)
	s.NotifyConnectionChanged()
	require.NoError(t, waitErr(t, bgDone))
}

type recordingObserver struct {
	mu      sync.Mutex
	added   int
	updated int
	done    int
}

func (r *recordingObserver) OnJobAdded(JobInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added++
}

func (r *recordingObserver) OnJobUpdated(JobInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated++
}

func (r *recordingObserver) OnJobDone(JobInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

func TestScheduler_ObserverNotifications(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	obs := &recordingObserver{}
	s.AddObserver(obs)

	done := make(chan error, 1)
	_, err := s.StartJob(JobTypeFileTransfer, PriorityUserInitiated, "download",
		func(ctx context.Context, progress Progress) error {
			progress(50, 100)
			progress(100, 100)
			return nil
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)
	require.NoError(t, waitErr(t, done))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.added)
	assert.Equal(t, 1, obs.done)
	// Queued->running transition plus two progress reports.
	assert.GreaterOrEqual(t, obs.updated, 3)
}

func TestScheduler_GetJobInfoList(t *testing.T) {
	conn := &connSwitch{}
	conn.set(Disconnected)
	s := New(testConfig(), conn)
	defer s.Close()

	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "first", noopJob, nil)
	require.NoError(t, err)
	_, err = s.StartJob(JobTypeFileTransfer, PriorityUserInitiated, "second", noopJob, nil)
	require.NoError(t, err)

	infos := s.GetJobInfoList()
	require.Len(t, infos, 2)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, JobStateQueued, infos[0].State)
	assert.Equal(t, "second", infos[1].Description)
}

func TestScheduler_StartAfterCloseFails(t *testing.T) {
	s := New(testConfig(), nil)
	s.Close()

	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "late", noopJob, nil)
	assert.ErrorIs(t, err, ErrSchedulerDown)
}

func TestScheduler_SharedBackoffThrottlesBurst(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	s := New(cfg, nil)
	defer s.Close()

	var firstRetryAt, secondAttemptAt atomic.Int64
	done := make(chan error, 1)
	var attempts atomic.Int32
	_, err := s.StartJob(JobTypeMetadata, PriorityBackground, "throttled",
		func(ctx context.Context, progress Progress) error {
			n := attempts.Add(1)
			switch n {
			case 1:
				firstRetryAt.Store(time.Now().UnixNano())
				return &drive.APIError{Code: drive.CodeRateLimited}
			default:
				secondAttemptAt.Store(time.Now().UnixNano())
				return nil
			}
		},
		func(err error) { done <- err },
	)
	require.NoError(t, err)
	require.NoError(t, waitErr(t, done))

	elapsed := time.Duration(secondAttemptAt.Load() - firstRetryAt.Load())
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "retry must wait for the backoff clock")
}
