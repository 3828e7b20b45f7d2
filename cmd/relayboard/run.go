package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/feed"
	"github.com/agentworkforce/relayboard/internal/httpapi"
	"github.com/agentworkforce/relayboard/internal/item"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to chat and keep every configured channel reconciled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg, slog.Default())
		},
	}
}

func runBot(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client := chat.NewHTTPClient(cfg.APIBaseURL, cfg.Token, nil)
	self, err := client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("identify bot account: %w", err)
	}
	channels, err := buildChannels(cfg, client, logger)
	if err != nil {
		return err
	}
	board := newBoard(client, channels, logger)
	backend, err := relayboard.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	svc := relayboard.NewService(board, backend, relayboard.ServiceOptions{
		Logger:           logger,
		ReconcileTimeout: cfg.ReconcileTimeout,
	})
	if err := svc.Start(ctx, self); err != nil {
		if errors.Is(err, relayboard.ErrCorruptState) || errors.Is(err, display.ErrMalformedSnapshot) {
			// Scanning instead would post a second copy of every message.
			panic(fmt.Sprintf("refusing to start on a corrupt persisted state: %v", err))
		}
		_ = svc.Close()
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("service shutdown failed", slog.Any("error", err))
		}
	}()
	logger.Info("relayboard started", slog.Uint64("self_id", uint64(self)), slog.Int("channels", len(channels)))

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gateway := chat.NewGateway(cfg.Token, chat.GatewayOptions{
		URL:     cfg.GatewayURL,
		Intents: cfg.Intents,
		Logger:  logger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := gateway.Serve(ctx, func(ctx context.Context, ev chat.Event) {
			if err := svc.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
				logger.Error("gateway event failed", slog.String("kind", ev.Kind.String()), slog.Any("error", err))
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("gateway stopped", slog.Any("error", err))
		}
	}()

	var syncer httpapi.FeedSyncer
	if cfg.Feed.Dir != "" {
		runner := feed.NewRunner(&feed.DirSource{Dir: cfg.Feed.Dir, Decode: item.Decode, Logger: logger}, svc, feed.RunnerOptions{
			Interval:    cfg.Feed.Interval,
			JitterRatio: cfg.Feed.JitterRatio,
			WatchDir:    watchDir(cfg.Feed),
			Logger:      logger,
		})
		syncer = runner
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				logger.Error("feed runner stopped", slog.Any("error", err))
			}
		}()
	}

	if cfg.AdminSecret == "" {
		logger.Warn("admin_secret is not set, admin API disabled")
		<-ctx.Done()
		return nil
	}
	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewServer(svc, httpapi.ServerConfig{
			JWTSecret:       cfg.AdminSecret,
			RateLimitMax:    cfg.RateLimit.Max,
			RateLimitWindow: cfg.RateLimit.Window,
			Feed:            syncer,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	logger.Info("admin API listening", slog.String("addr", cfg.ListenAddr))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func watchDir(f config.Feed) string {
	if !f.Watching() {
		return ""
	}
	return f.Dir
}
