package relayboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
)

const DefaultReconcileTimeout = 2 * time.Minute

var ErrNotStarted = errors.New("service not started")

type ServiceOptions struct {
	Logger *slog.Logger
	// ReconcileTimeout bounds the reconciliation pass run after a request
	// left the board pending.
	ReconcileTimeout time.Duration
}

// Service is the single writer of a Board. Command handlers, gateway
// events, the feed runner and the admin API all submit work through Do;
// requests run one at a time on the service goroutine.
type Service struct {
	board            *Board
	backend          StateBackend
	logger           *slog.Logger
	reconcileTimeout time.Duration

	requests chan serviceRequest
	closeCh  chan struct{}
	doneCh   chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
	runCtx    context.Context
	cancelRun context.CancelFunc
}

type serviceRequest struct {
	ctx        context.Context
	fn         func(context.Context, *Board) error
	reportSave bool
	done       chan error
}

func NewService(board *Board, backend StateBackend, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ReconcileTimeout
	if timeout <= 0 {
		timeout = DefaultReconcileTimeout
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		board:            board,
		backend:          backend,
		logger:           logger.With(slog.String("component", "service")),
		reconcileTimeout: timeout,
		requests:         make(chan serviceRequest),
		closeCh:          make(chan struct{}),
		doneCh:           make(chan struct{}),
		runCtx:           runCtx,
		cancelRun:        cancel,
	}
}

// Start loads the persisted state, initializes every display channel and
// starts serving requests. A corrupt state or a malformed snapshot is
// returned as is so the caller can refuse to run.
func (s *Service) Start(ctx context.Context, self chat.UserID) error {
	if s.started.Load() {
		return errors.New("service already started")
	}
	if s.backend != nil {
		data, err := s.backend.Load()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if err := s.board.LoadState(data); err != nil {
			return err
		}
	}
	if err := s.board.Init(ctx, self); err != nil {
		return fmt.Errorf("initialize channels: %w", err)
	}
	if err := s.persist(); err != nil {
		s.logger.Error("initial save failed", slog.Any("error", err))
	}
	s.started.Store(true)
	go s.run()
	return nil
}

// Do runs fn on the service goroutine. When fn leaves the board pending,
// every channel is reconciled before Do returns; a reconciliation failure
// is returned when fn itself succeeded. The state is saved after every
// request and save failures are only logged.
func (s *Service) Do(ctx context.Context, fn func(context.Context, *Board) error) error {
	return s.submit(ctx, fn, false)
}

// Save persists the board now and reports the save result.
func (s *Service) Save(ctx context.Context) error {
	return s.submit(ctx, func(context.Context, *Board) error { return nil }, true)
}

func (s *Service) HandleEvent(ctx context.Context, ev chat.Event) error {
	switch ev.Kind {
	case chat.EventMessageDelete:
		return s.Do(ctx, func(ctx context.Context, b *Board) error {
			return b.HandleMessageDelete(ctx, ev.MessageID)
		})
	case chat.EventInteraction:
		return s.Do(ctx, func(ctx context.Context, b *Board) error {
			return b.HandleInteraction(ctx, ev.Interaction)
		})
	case chat.EventResync:
		return s.Do(ctx, func(ctx context.Context, b *Board) error {
			return b.VerifyAll(ctx)
		})
	case chat.EventReady:
		s.logger.Info("gateway ready", slog.Uint64("self_id", uint64(ev.SelfID)))
	}
	return nil
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.started.Load() {
			<-s.doneCh
			if saveErr := s.persist(); saveErr != nil {
				err = saveErr
			}
		}
		s.cancelRun()
		if closeErr := CloseStateBackend(s.backend); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (s *Service) submit(ctx context.Context, fn func(context.Context, *Board) error, reportSave bool) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}

	req := serviceRequest{ctx: ctx, fn: fn, reportSave: reportSave, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	case s.requests <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

func (s *Service) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.closeCh:
			return
		case req := <-s.requests:
			req.done <- s.handle(req)
		}
	}
}

func (s *Service) handle(req serviceRequest) error {
	err := req.fn(req.ctx, s.board)
	if s.board.Pending() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.reconcileTimeout)
		updateErr := s.board.UpdateAll(ctx)
		cancel()
		if updateErr != nil {
			s.logger.Error("reconciliation failed", slog.Any("error", updateErr))
			if err == nil {
				err = fmt.Errorf("reconcile channels: %w", updateErr)
			}
		}
	}
	if saveErr := s.persist(); saveErr != nil {
		s.logger.Error("routine save failed", slog.Any("error", saveErr))
		if req.reportSave && err == nil {
			err = saveErr
		}
	}
	return err
}

func (s *Service) persist() error {
	if s.backend == nil {
		return nil
	}
	data, err := s.board.EncodeState()
	if err != nil {
		return err
	}
	return s.backend.Save(data)
}
