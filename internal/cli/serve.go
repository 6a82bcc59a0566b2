package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/auth"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/directory"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/eventbus"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/grpcserver"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/guard"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/handler"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/hub"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/liveness"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/mirror"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/recording"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/store"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/database"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/storage"
)

// Kept apart from the directory prefix, whose keys are scanned as rooms.
const messageCachePrefix = "terminal:cache"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket, HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// closers run in reverse order on the way out.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.L()
	var cleanup closers
	defer cleanup.run()

	db, err := database.New(cfg.DatabaseOptions())
	if err != nil {
		return err
	}
	cleanup.add(func() { database.Close(db) })

	gormStore := store.NewGormStore(db)
	if err := gormStore.Migrate(); err != nil {
		return err
	}
	var st store.Store = gormStore
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	manager, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	validator := auth.NewJWTValidator(manager, cfg.Auth.AgentRole)

	var opts []protocol.Option

	if cfg.Redis.Enabled {
		dir, err := directory.NewRedisDirectory(cfg.Redis, cfg.AdvertiseAddress())
		if err != nil {
			return err
		}
		cleanup.add(func() { dir.Close() })
		dir.StartHeartbeat(ctx)
		opts = append(opts, protocol.WithDirectory(dir))
		logger.Info().Str("address", cfg.Redis.Address).Msg("room directory enabled")

		if cfg.Redis.CacheTTL > 0 {
			cacheClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup.add(func() { cacheClient.Close() })
			st = store.NewCachedStore(gormStore, store.NewRedisMessageCache(cacheClient, messageCachePrefix), cfg.Redis.CacheTTL)
		}
	}

	if cfg.Mirror.Driver != "none" {
		ps, err := pubsub.NewPubSub(cfg.PubSubOptions())
		if err != nil {
			return err
		}
		cleanup.add(func() { ps.Close() })
		opts = append(opts, protocol.WithMirror(mirror.New(ps, uuid.NewString())))
		logger.Info().Str("driver", cfg.Mirror.Driver).Msg("event mirror enabled")
	}

	var recordings *handler.RecordingsHandler
	if cfg.Recording.Driver != "none" {
		objects, err := storage.New(ctx, cfg.StorageOptions())
		if err != nil {
			return err
		}
		archiver := recording.NewArchiver(objects, cfg.Recording.Prefix)
		opts = append(opts, protocol.WithArchiver(archiver))

		localDir := ""
		if cfg.Recording.Driver == "local" {
			localDir = filepath.Join(cfg.Recording.Local.BasePath, cfg.Recording.Prefix)
		}
		recordings = handler.NewRecordingsHandler(archiver, cfg.Recording.Prefix, localDir)
		logger.Info().Str("driver", cfg.Recording.Driver).Msg("recordings enabled")
	}

	rooms := room.NewRegistry(room.Config{
		MaxViewers:       cfg.Room.MaxViewers,
		ReplayBufferSize: cfg.Room.ReplayBufferSize,
		Guard: guard.Config{
			DedupSize:   cfg.Chat.DedupSize,
			DedupWindow: cfg.Chat.DedupWindow,
		},
	})
	proto := protocol.New(protocol.Config{
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		MaxChatLength:  cfg.Chat.MaxLength,
		MaxNameLength:  cfg.Chat.MaxNameLength,
		RecentMessages: cfg.Room.RecentMessages,
		MaxSlowMode:    cfg.Chat.MaxSlowMode,
		StoreTimeout:   cfg.Chat.StoreTimeout,
	}, rooms, eventbus.New(), st, validator, opts...)
	cleanup.add(proto.Wait)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := hub.NewHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		wsHub.Run(hubCtx)
	}()

	supervisor := liveness.New(liveness.Config{
		HeartbeatTimeout:     cfg.Liveness.HeartbeatTimeout,
		SubscriberTimeout:    cfg.Liveness.SubscriberTimeout,
		BusHeartbeatInterval: cfg.Liveness.BusHeartbeatInterval,
		IdleRoomTimeout:      cfg.Room.IdleTimeout,
		Interval:             cfg.Liveness.SweepInterval,
	}, proto, wsHub)
	supervisor.Start(ctx)

	authMW := middleware.NewAuthMiddleware(validator)
	groups := []handler.Routes{
		handler.NewWSHandler(wsHub, proto, cfg.WebSocket),
		handler.NewHandler(proto, authMW, cfg.Auth.AgentRole),
		handler.NewEventsHandler(proto, authMW, cfg.Auth.AgentRole, cfg.Liveness.SSEBuffer),
	}
	if recordings != nil {
		groups = append(groups, recordings)
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler.NewRouter(logger, groups...),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var health *grpcserver.Server
	if cfg.GRPC.Enabled {
		health = grpcserver.New(logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := start(g, server, health, fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)); err != nil {
		supervisor.Stop()
		stopHub()
		<-hubDone
		return err
	}

	if cfg.Watch(func(next *config.Config) {
		rooms.SetMaxViewers(next.Room.MaxViewers)
		proto.SetLimits(protocol.Limits{
			MaxChatLength: next.Chat.MaxLength,
			MaxSlowMode:   next.Chat.MaxSlowMode,
		})
	}) {
		logger.Info().Msg("watching config file for limit changes")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down terminal service")
		if health != nil {
			health.SetServing(false)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// Hijacked WebSocket connections are not tracked by the HTTP server.
		stopHub()
		<-hubDone
		supervisor.Stop()
		if health != nil {
			health.GracefulStop()
		}
		return err
	})

	err = g.Wait()
	logger.Info().Int("rooms", rooms.Len()).Msg("terminal service stopped")
	return err
}

// start binds every listener before serving, so health reports SERVING only
// once both ports are open and a bind failure aborts startup.
func start(g *errgroup.Group, server *http.Server, health *grpcserver.Server, grpcAddr string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}
	var grpcLn net.Listener
	if health != nil {
		if grpcLn, err = net.Listen("tcp", grpcAddr); err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		}
	}

	logger := log.L()
	logger.Info().Str("address", ln.Addr().String()).Msg("terminal service listening")
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if health != nil {
		g.Go(func() error { return health.Serve(grpcLn) })
		health.SetServing(true)
	}
	return nil
}
