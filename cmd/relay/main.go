package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-relay/internal/auth"
	"github.com/weiawesome/wes-io-relay/internal/broker"
	"github.com/weiawesome/wes-io-relay/internal/bus"
	"github.com/weiawesome/wes-io-relay/internal/config"
	"github.com/weiawesome/wes-io-relay/internal/gateway"
	relaygrpc "github.com/weiawesome/wes-io-relay/internal/grpc"
	"github.com/weiawesome/wes-io-relay/internal/handler"
	"github.com/weiawesome/wes-io-relay/internal/hub"
	"github.com/weiawesome/wes-io-relay/internal/idgen"
	"github.com/weiawesome/wes-io-relay/internal/metrics"
	"github.com/weiawesome/wes-io-relay/internal/presence"
	"github.com/weiawesome/wes-io-relay/internal/room"
	"github.com/weiawesome/wes-io-relay/internal/store"
	"github.com/weiawesome/wes-io-relay/internal/stream"
	"github.com/weiawesome/wes-io-relay/internal/typing"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

const serviceName = "relay"

func main() {
	if err := run(); err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("relay stopped with error")
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		Caller:      cfg.Log.Caller,
		ServiceName: serviceName,
		InstanceID:  cfg.Bus.InstanceID,
	})
	logger := pkglog.L()

	if cfg.Watch(func(next *config.Config) {
		pkglog.SetLevel(next.Log.Level)
		logger.Info().Str("level", next.Log.Level).Msg("log level reloaded")
	}) {
		logger.Debug().Msg("watching config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = pkglog.WithLogger(ctx, logger)

	// Connect to database using GORM
	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db, store.Models()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database migration completed")

	st := store.NewGormStore(db)
	m := metrics.New(prometheus.DefaultRegisterer)

	// Identity authority
	jwtManager, err := jwt.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create jwt manager: %w", err)
	}
	authority := auth.NewJWTAuthority(jwtManager)

	ids, err := idgen.New(cfg.IDs)
	if err != nil {
		return fmt.Errorf("failed to create id generator: %w", err)
	}

	producer, err := stream.New(cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to create message stream: %w", err)
	}
	defer producer.Close()

	wsHub := hub.NewHub(m)
	rooms := room.NewManager(st)

	// Cluster bus, only when a driver is configured
	ps, err := pubsub.NewPubSub(cfg.Bus.Config)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	var relayBus *bus.Bus
	var publisher gateway.Publisher
	if ps != nil {
		relayBus = bus.New(ps, wsHub, cfg.Bus.Options(), m)
		if err := relayBus.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bus: %w", err)
		}
		publisher = relayBus
		logger.Info().Str("driver", cfg.Bus.Driver).Str("channel", cfg.Bus.Channel).Msg("cluster bus started")
	}

	out := gateway.NewBroadcaster(wsHub, rooms, publisher)

	tracker := presence.NewTracker(st, presence.Config{
		GracePeriod:  cfg.Relay.PresenceGrace,
		WriteTimeout: cfg.Relay.PresenceWriteTimeout,
	}, m)
	tracker.Start(ctx)

	typer := typing.NewCoordinator(out, cfg.Relay.TypingTTL, m)

	msgBroker := broker.NewBroker(st, ids, out, producer, broker.Config{
		HistoryLimit:    cfg.Relay.HistoryLimit,
		MaxHistoryLimit: cfg.Relay.MaxHistoryLimit,
	}, m)

	gw := gateway.New(ctx, gateway.Deps{
		Hub:       wsHub,
		Rooms:     rooms,
		Broker:    msgBroker,
		Presence:  tracker,
		Typing:    typer,
		Authority: authority,
		Out:       out,
		Metrics:   m,
	}, gateway.Config{
		AuthTimeout: cfg.Relay.AuthTimeout,
		WebSocket:   cfg.WebSocket,
	})

	// Initialize handlers
	authMiddleware := middleware.NewAuthMiddleware(auth.Subject(authority))
	httpHandler := handler.NewHandler(st, msgBroker, tracker, authMiddleware)
	wsHandler := handler.NewWSHandler(gw, cfg.Server.AllowedOrigins)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": wsHub.ClientCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Start gRPC server
	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	grpcServer, err := relaygrpc.StartGRPCServer(grpcAddr, logger)
	if err != nil {
		return fmt.Errorf("failed to start grpc server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("bus", cfg.Bus.Driver).Str("ids", cfg.IDs.Kind).Msg("relay starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down relay")

		grpcServer.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		wsHub.CloseAll()
		typer.Stop()
		tracker.Stop()
		if relayBus != nil {
			if err := relayBus.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close bus")
			}
		}
		grpcServer.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("relay stopped")
	return nil
}
