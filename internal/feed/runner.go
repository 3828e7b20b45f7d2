package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultDebounce = 500 * time.Millisecond
)

// Submitter runs work against the board, one request at a time.
type Submitter interface {
	Do(ctx context.Context, fn func(context.Context, *relayboard.Board) error) error
}

type RunnerOptions struct {
	Interval    time.Duration
	JitterRatio float64
	// WatchDir, when set, triggers a sync shortly after files change there.
	WatchDir string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Runner syncs a source into the board at a jittered interval.
type Runner struct {
	source   Source
	board    Submitter
	interval time.Duration
	jitter   float64
	watchDir string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cursor time.Time
	primed bool
}

func NewRunner(source Source, board Submitter, opts RunnerOptions) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source:   source,
		board:    board,
		interval: interval,
		jitter:   clampJitterRatio(opts.JitterRatio),
		watchDir: opts.WatchDir,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "feed")),
	}
}

// SyncOnce fetches outside the board and ingests the result in one request.
func (r *Runner) SyncOnce(ctx context.Context) (relayboard.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		err := r.board.Do(ctx, func(_ context.Context, b *relayboard.Board) error {
			r.cursor = b.LastFeedUpdate()
			return nil
		})
		if err != nil {
			return relayboard.IngestResult{}, err
		}
		r.primed = true
	}

	records, cursor, err := r.source.Fetch(ctx, r.cursor)
	if err != nil {
		return relayboard.IngestResult{}, err
	}
	var result relayboard.IngestResult
	err = r.board.Do(ctx, func(_ context.Context, b *relayboard.Board) error {
		result = b.Ingest(records, cursor)
		return nil
	})
	if err != nil {
		return result, err
	}
	if cursor.After(r.cursor) {
		r.cursor = cursor
	}
	return result, nil
}

// Run syncs immediately and then until ctx is done. Sync failures are
// logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watchDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err := watcher.Add(r.watchDir); err != nil {
			return err
		}
		events, watchErrs = watcher.Events, watcher.Errors
	}

	r.runOnce(ctx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(r.interval, r.jitter, rng.Float64()))
	defer timer.Stop()
	debounce := time.NewTimer(r.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("feed runner stopping", slog.Any("reason", ctx.Err()))
			return nil
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(jitteredInterval(r.interval, r.jitter, rng.Float64()))
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isFeedFile(filepath.Base(ev.Name)) {
				debounce.Reset(r.debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.logger.Warn("feed watcher error", slog.Any("error", err))
		case <-debounce.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	result, err := r.SyncOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("feed sync failed", slog.Any("error", err))
		}
		return
	}
	if result.Changed() {
		r.logger.Info("feed sync applied", slog.Int("added", result.Added), slog.Int("updated", result.Updated))
	}
}
