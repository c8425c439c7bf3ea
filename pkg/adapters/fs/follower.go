package fs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/strata/pkg/core"
)

// Follower tails the change log of a namespace directory and delivers events appended
// by any process, in file order. It runs as a lifecycle worker.
type Follower struct {
	*worker.BaseWorker
	path    string
	after   int64
	events  chan core.ChangeEvent
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu        sync.Mutex
	offset    int64
	delivered int64
	active    bool
}

// NewFollower creates a follower on the change log inside dir. Events with a sequence
// not greater than after are skipped.
func NewFollower(dir string, after int64, logger *slog.Logger) *Follower {
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{
		BaseWorker: worker.NewBaseWorker("fs-change-follower"),
		path:       filepath.Join(dir, changesFile),
		after:      after,
		events:     make(chan core.ChangeEvent, 64),
		logger:     logger,
	}
}

// Events delivers followed events. It is closed when the follower stops.
func (f *Follower) Events() <-chan core.ChangeEvent {
	return f.events
}

func (f *Follower) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := f.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("follower already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: the log file may not exist yet.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = watcher
	f.setActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.SetStatus(worker.StatusRunning)
	return f.StartFunc(runCtx, f.run)
}

func (f *Follower) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.StopRequested = true
		f.cancel()
	}
	return f.BaseWorker.Stop(ctx)
}

func (f *Follower) State() worker.State {
	return f.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

func (f *Follower) setActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *Follower) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("follower panic: %v", recovered)
			if f.logger.Enabled(ctx, slog.LevelDebug) {
				f.logger.Error("follower panic", "error", err, "stack", string(debug.Stack()))
			} else {
				f.logger.Error("follower panic", "error", err)
			}
		}
	}()
	defer close(f.events)
	defer f.setActive(false)
	defer f.watcher.Close()

	// Catch up with what is already on disk before waiting for writes.
	if err := f.drain(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-f.watcher.Events:
			if !ok {
				if f.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := f.drain(ctx); err != nil {
				return err
			}

		case wErr, ok := <-f.watcher.Errors:
			if !ok {
				if f.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			f.logger.Error("fsnotify error", "error", wErr)
		}
	}
}

// drain reads complete lines past the current offset and delivers them.
func (f *Follower) drain(ctx context.Context) error {
	f.mu.Lock()
	offset := f.offset
	f.mu.Unlock()

	events, next, err := readChanges(f.path, offset)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.offset = next
	f.mu.Unlock()

	for _, ev := range events {
		if ev.Sequence <= f.after {
			continue
		}
		select {
		case f.events <- ev:
			f.mu.Lock()
			f.delivered++
			f.mu.Unlock()
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
