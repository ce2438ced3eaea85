// Package main provides the room server binary: the gRPC session service,
// the HTTP API with its WebSocket endpoint, and the background tick,
// matchmaking and reaper loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/vrserver/internal/config"
	"github.com/cory-johannsen/vrserver/internal/frontend/httpapi"
	"github.com/cory-johannsen/vrserver/internal/frontend/ws"
	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	"github.com/cory-johannsen/vrserver/internal/game/tick"
	"github.com/cory-johannsen/vrserver/internal/game/voice"
	"github.com/cory-johannsen/vrserver/internal/gameserver"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
	"github.com/cory-johannsen/vrserver/internal/identity"
	"github.com/cory-johannsen/vrserver/internal/observability"
	"github.com/cory-johannsen/vrserver/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty = defaults and VRS_ environment only")
	gamesDir := flag.String("games", "", "path to game template YAML directory (overrides catalog.dir)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *gamesDir != "" {
		cfg.Catalog.Dir = *gamesDir
	}

	obs, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	logger := obs.Logger
	defer logger.Sync()

	logger.Info("starting room server",
		zap.String("grpc_addr", cfg.GameServer.Addr()),
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.Duration("tick_interval", cfg.Room.TickInterval),
	)

	defaults := catalog.Game{
		Capacity:  cfg.Catalog.DefaultCapacity,
		MatchSize: min(cfg.Matchmaking.DefaultMatchSize, cfg.Catalog.DefaultCapacity),
		Voice:     catalog.Voice{Proximity: cfg.Voice.Proximity, Threshold: cfg.Voice.Threshold},
	}
	games, err := catalog.Load(cfg.Catalog.Dir, defaults)
	if err != nil {
		logger.Fatal("loading game catalog", zap.Error(err))
	}
	logger.Info("game catalog loaded",
		zap.String("dir", cfg.Catalog.Dir),
		zap.Int("games", len(games.Games())),
	)

	verifier, err := identity.NewVerifier(cfg.Identity.Secret, cfg.Identity.Issuer)
	if err != nil {
		logger.Fatal("creating token verifier", zap.Error(err))
	}

	sessions := session.NewManager(cfg.Room.OutboxSize)
	ticks := tick.NewScheduler(cfg.Room.TickInterval)
	relay := voice.NewRelay(games, defaults.Voice, voice.LogPublisher{Logger: logger.Named("voice")}, logger.Named("voice"))
	rooms := room.NewRegistry(sessions, ticks, room.Options{
		FullSnapshotEvery: cfg.Room.FullSnapshotEvery,
		EchoToSource:      cfg.Room.EchoToSource,
		QueueSize:         cfg.Room.QueueSize,
	}, logger.Named("room"), relay)
	sessions.AttachLeaver(rooms)

	matcher := matchmaking.NewEngine(sessions, rooms, games, matchmaking.Options{
		Interval:     cfg.Matchmaking.Interval,
		PartialAfter: cfg.Matchmaking.PartialAfter,
		ExpireAfter:  cfg.Matchmaking.ExpireAfter,
	}, logger.Named("matchmaking"))

	grpcService := gameserver.NewGameServiceServer(sessions, rooms, matcher, games, verifier, gameserver.Options{
		HeartbeatTimeout: cfg.Room.HeartbeatTimeout,
		ReapInterval:     cfg.Room.ReapInterval,
	}, logger.Named("gameserver"))

	grpcServer := grpc.NewServer()
	gamev1.RegisterGameServiceServer(grpcServer, grpcService)

	wsHandler := ws.NewHandler(grpcService, ws.Options{
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ReadLimit:    cfg.HTTP.ReadLimit,
	}, logger.Named("ws"))
	api := httpapi.New(httpapi.Deps{
		Rooms:      rooms,
		Voice:      relay,
		Matchmaker: matcher,
		Streams:    grpcService,
		WS:         wsHandler,
		LogLevel:   obs.Level,
	}, logger.Named("http"))

	// Wire lifecycle. Services stop in reverse order, so rooms close last.
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("rooms", server.NewLoopService(func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return rooms.Shutdown(shutdownCtx)
	}))
	lifecycle.Add("ticks", server.NewLoopService(ticks.Run))
	lifecycle.Add("matchmaking", server.NewLoopService(matcher.Run))
	lifecycle.Add("reaper", server.NewLoopService(grpcService.RunReaper))

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.GameServer.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.GameServer.Addr(), err)
			}
			logger.Info("gRPC server listening",
				zap.String("addr", lis.Addr().String()),
			)
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(cfg.Server.ShutdownTimeout):
				logger.Warn("gRPC graceful stop timed out, forcing")
				grpcServer.Stop()
			}
		},
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			return api.ListenAndServe(cfg.HTTP.Addr())
		},
		StopFn: func() {
			wsHandler.Close()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := api.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	logger.Info("room server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
