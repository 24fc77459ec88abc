// Package service drives the sync core: it sequences the drive client,
// the change list processor and the content cache through scheduler
// jobs, and fans directory-change notifications out to listeners. The
// heavy lifting lives in the components; the service only wires them.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/openmirror/drivesync/internal/drive"
	"github.com/openmirror/drivesync/internal/sync/cache"
	"github.com/openmirror/drivesync/internal/sync/changelist"
	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
	"github.com/openmirror/drivesync/internal/sync/scheduler"
)

var ErrNotStarted = errors.New("service: not started")

// ChangeListener receives the sorted virtual directory paths whose
// contents changed after a feed application. Called on a service-owned
// goroutine; keep it fast.
type ChangeListener func(changedDirs []string)

// Service owns the metadata tree's serialized access. Direct methods
// block the caller; Async variants run on the service's dispatch
// goroutine and deliver through a callback, so UI threads never wait on
// the tree lock.
type Service struct {
	api          drive.API
	meta         *metadata.Metadata
	proc         *changelist.Processor
	cache        *cache.Cache
	sched        *scheduler.Scheduler
	pollInterval time.Duration

	// mu serializes every read and write of the metadata tree.
	mu sync.Mutex

	dispatch chan func()
	wg       sync.WaitGroup
	started  bool
	stop     context.CancelFunc

	listenerMu sync.RWMutex
	listeners  []ChangeListener
}

func New(api drive.API, meta *metadata.Metadata, contentCache *cache.Cache, sched *scheduler.Scheduler, pollInterval time.Duration) *Service {
	return &Service{
		api:          api,
		meta:         meta,
		proc:         changelist.New(meta),
		cache:        contentCache,
		sched:        sched,
		pollInterval: pollInterval,
		dispatch:     make(chan func(), 64),
	}
}

// AddChangeListener registers for directory-change notifications.
func (s *Service) AddChangeListener(l ChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start kicks off the dispatch goroutine, an immediate feed fetch and
// the periodic poll loop.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return errors.New("service: already started")
	}
	s.started = true

	ctx, s.stop = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-s.dispatch:
				fn()
			}
		}
	}()

	s.wg.Add(1)
	go s.pollLoop(ctx)

	slog.Info("sync service started", "poll_interval", s.pollInterval)
	return nil
}

// Stop halts the poll loop and dispatch goroutine. In-flight scheduler
// jobs belong to the scheduler; close that separately.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.stop()
	s.wg.Wait()
	s.started = false
	slog.Info("sync service stopped")
}

// pollLoop schedules a change-feed fetch, waits for it to finish, then
// sleeps the poll interval. A timer rather than a ticker, so a slow
// fetch never queues a second one behind itself.
func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(0) // first fetch immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		done := make(chan struct{})
		_, err := s.sched.StartJob(scheduler.JobTypeMetadata, scheduler.PriorityBackground,
			"poll change feed",
			func(jobCtx context.Context, progress scheduler.Progress) error {
				return s.CheckForUpdates(jobCtx)
			},
			func(err error) {
				if err != nil && !errors.Is(err, scheduler.ErrCanceled) {
					slog.Error("change feed poll", "error", err)
				}
				close(done)
			},
		)
		if err != nil {
			// Scheduler is gone; nothing left to drive.
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
		}
		timer.Reset(s.pollInterval)
	}
}

// CheckForUpdates fetches and applies the remote feed: a full listing
// when the local store is empty (or the server no longer honors our
// changestamp), an incremental delta otherwise. Listeners are notified
// of every directory whose contents changed.
func (s *Service) CheckForUpdates(ctx context.Context) error {
	s.mu.Lock()
	startstamp, err := s.meta.LargestChangestamp()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if startstamp == 0 {
		return s.fullFetch(ctx)
	}

	pages, err := s.fetchDeltaPages(ctx, startstamp+1)
	if err != nil {
		var apiErr *drive.APIError
		// The server can expire old changestamps; recover with a full
		// listing instead of failing forever.
		if errors.As(err, &apiErr) && apiErr.Code == drive.CodeInvalidRequest {
			slog.Warn("changestamp no longer valid, falling back to full listing", "changestamp", startstamp)
			return s.fullFetch(ctx)
		}
		return err
	}

	s.mu.Lock()
	changed, err := s.proc.ApplyChangeList(pages)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notifyChanged(changed.ToSlice())
	return nil
}

func (s *Service) fullFetch(ctx context.Context) error {
	pages, err := s.fetchFullPages(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed, err := s.proc.ApplyFullListing(pages)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notifyChanged(changed.ToSlice())
	return nil
}

func (s *Service) fetchDeltaPages(ctx context.Context, startChangestamp int64) ([]*drive.Page, error) {
	var pages []*drive.Page
	token := ""
	for {
		page, err := s.api.FetchChangeListPage(ctx, startChangestamp, token)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
		if page.NextPageToken == "" {
			return pages, nil
		}
		token = page.NextPageToken
	}
}

func (s *Service) fetchFullPages(ctx context.Context) ([]*drive.Page, error) {
	var pages []*drive.Page
	token := ""
	for {
		page, err := s.api.FetchFullListingPage(ctx, token)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
		if page.NextPageToken == "" {
			return pages, nil
		}
		token = page.NextPageToken
	}
}

func (s *Service) notifyChanged(dirs []string) {
	if len(dirs) == 0 {
		return
	}
	sort.Strings(dirs)

	s.listenerMu.RLock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.listenerMu.RUnlock()

	slog.Debug("directories changed", "dirs", dirs)
	for _, l := range listeners {
		l(dirs)
	}
}

// GetEntryByPath resolves a virtual path to its entry.
func (s *Service) GetEntryByPath(path string) (*metastore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.GetResourceEntryByPath(path)
}

// GetEntryByPathAsync is the dispatch-and-callback form of
// GetEntryByPath.
func (s *Service) GetEntryByPathAsync(path string, cb func(*metastore.Entry, error)) {
	s.enqueue(func() { cb(s.GetEntryByPath(path)) })
}

// ReadDirectoryByPath lists a directory's children by virtual path.
func (s *Service) ReadDirectoryByPath(path string) ([]*metastore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.ReadDirectoryByPath(path)
}

// ReadDirectoryByPathAsync is the dispatch-and-callback form of
// ReadDirectoryByPath.
func (s *Service) ReadDirectoryByPathAsync(path string, cb func([]*metastore.Entry, error)) {
	s.enqueue(func() { cb(s.ReadDirectoryByPath(path)) })
}

func (s *Service) enqueue(fn func()) {
	if !s.started {
		fn()
		return
	}
	s.dispatch <- fn
}

// DownloadFile schedules a file-transfer job that downloads the file at
// the given virtual path into the content cache. The callback receives
// the local content path on success.
func (s *Service) DownloadFile(path string, priority scheduler.Priority, cb func(localPath string, err error)) (scheduler.JobID, error) {
	entry, err := s.GetEntryByPath(path)
	if err != nil {
		return "", err
	}
	if entry.IsDirectory {
		return "", fmt.Errorf("download %s: %w", path, metadata.ErrInvalidOperation)
	}

	return s.sched.StartJob(scheduler.JobTypeFileTransfer, priority,
		fmt.Sprintf("download %s", path),
		func(ctx context.Context, progress scheduler.Progress) error {
			return s.downloadIntoCache(ctx, entry, progress)
		},
		func(err error) {
			if cb == nil {
				return
			}
			if err != nil {
				cb("", err)
				return
			}
			cb(s.cache.ContentPath(entry.ResourceID), nil)
		},
	)
}

// downloadIntoCache streams a resource's content to a temp file, then
// hands it to the cache. Restarted wholesale on retry.
func (s *Service) downloadIntoCache(ctx context.Context, entry *metastore.Entry, progress scheduler.Progress) error {
	tmp, err := os.CreateTemp("", "drivesync-dl-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := s.api.DownloadContent(ctx, entry.ResourceID, tmp, progress); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return fmt.Errorf("rewind temp file: %w", err)
	}

	_, err = s.cache.Store(entry.ResourceID, entry.ContentHash, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	return err
}
