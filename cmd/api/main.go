package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/config"
	"github.com/raasel/backend/internal/handler"
	"github.com/raasel/backend/internal/handler/realtime"
	"github.com/raasel/backend/internal/logging"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/relay"
	amqprelay "github.com/raasel/backend/internal/relay/amqp"
	"github.com/raasel/backend/internal/service/assignment"
	"github.com/raasel/backend/internal/service/fanout"
	"github.com/raasel/backend/internal/service/session"
	"github.com/raasel/backend/internal/service/typing"
	"github.com/raasel/backend/internal/store"
	"github.com/raasel/backend/internal/store/memory"
	redisstore "github.com/raasel/backend/internal/store/redis"
	"github.com/raasel/backend/internal/store/sqlite"
	"github.com/raasel/backend/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	envFile string
	addr    string
	nodeID  string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "raasel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("raasel-api", pflag.ContinueOnError)
	flagSet.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&f.addr, "addr", "", "listen address (overrides PORT)")
	flagSet.StringVar(&f.nodeID, "node-id", "", "process identity in the connection registry (overrides RAASEL_NODE_ID)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	envErr := godotenv.Load(f.envFile)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.nodeID != "" {
		cfg.Relay.NodeID = f.nodeID
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("env file not loaded, using process environment", slog.String("path", f.envFile), slog.Any("error", envErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("flush traces", slog.Any("error", err))
		}
	}()

	db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Store.SeedFile != "" {
		seed, err := store.LoadSeed(cfg.Store.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, db); err != nil {
			return err
		}
		logger.Info("seed applied",
			slog.Int("organizations", len(seed.Organizations)),
			slog.Int("agents", len(seed.Agents)),
		)
	}

	presence, closePresence, err := openPresence(ctx, cfg.Presence)
	if err != nil {
		return err
	}
	defer closePresence()

	rl, closeRelay, err := openRelay(ctx, cfg.Relay, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	clk := clock.Real()
	hub := fanout.New(presence, rl, fanout.NewAuthorizer(db), logger, fanout.Config{
		NodeID:         cfg.Relay.NodeID,
		PublishTimeout: cfg.Realtime.PublishTimeout,
		RegistryTTL:    cfg.Realtime.RegistryTTL,
	})
	dispatcher := fanout.NewDispatcher(hub, logger)
	typer := typing.New(presence, dispatcher, clk, logger, typing.Config{
		TTL:           cfg.Realtime.TypingTTL,
		SweepInterval: cfg.Realtime.TypingSweepInterval,
		OnlineTTL:     cfg.Realtime.RegistryTTL,
		NodeID:        hub.NodeID(),
	})
	hub.SetHooks(fanout.Hooks{
		Join: func(ctx context.Context, actor chat.Actor, sessionID string) {
			if err := typer.MarkOnline(ctx, actor, sessionID); err != nil {
				logger.Warn("mark online", slog.String("session_id", sessionID), slog.Any("error", err))
			}
		},
		Leave: typer.ClearActor,
	})

	engine := assignment.New(db, dispatcher, clk, logger, assignment.Config{Ceiling: cfg.Assignment.LoadCeiling})
	sessions := session.NewService(db, db, engine, dispatcher, clk, logger, session.Config{
		AppendMaxAttempts: cfg.Assignment.AppendMaxAttempts,
		SweepInterval:     cfg.Assignment.SweepInterval,
	})

	router := handler.NewRouter(handler.Deps{
		Sessions: sessions,
		Hub:      hub,
		Presence: typer,
		Limits: realtime.Limits{
			FrameRate:  rate.Limit(cfg.Realtime.FrameRate),
			FrameBurst: cfg.Realtime.FrameBurst,
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("raasel chat core listening",
		slog.String("addr", cfg.Server.Addr),
		slog.String("node_id", hub.NodeID()),
		slog.String("presence", cfg.Presence.Backend),
		slog.String("relay", cfg.Relay.Backend),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return runServer(groupCtx, srv) })
	group.Go(func() error { return hub.Run(groupCtx, clk) })
	group.Go(func() error { return typer.Run(groupCtx) })
	group.Go(func() error { return sessions.Run(groupCtx) })
	group.Go(func() error {
		err := rl.Listen(groupCtx, hub.NodeID(), hub.Deliver)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = group.Wait()
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.PublishTimeout)
	defer cancel()
	if flushErr := dispatcher.Flush(flushCtx); flushErr != nil {
		logger.Warn("undelivered events dropped at shutdown", slog.Int("sessions", dispatcher.Pending()))
	}
	if err != nil {
		return err
	}
	logger.Info("raasel chat core stopped")
	return nil
}

func openPresence(ctx context.Context, cfg config.PresenceConfig) (store.PresenceStore, func(), error) {
	if cfg.Backend == config.PresenceRedis {
		p, err := redisstore.New(ctx, redisstore.Config{URL: cfg.RedisURL, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	}
	return memory.NewPresence(nil), func() {}, nil
}

func openRelay(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (relay.Relay, func(), error) {
	if cfg.Backend == config.RelayAMQP {
		client, err := amqprelay.NewClient(ctx, amqprelay.Config{URL: cfg.AMQPURL, Exchange: cfg.Exchange}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}
	return relay.NewLoopback(), func() {}, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
