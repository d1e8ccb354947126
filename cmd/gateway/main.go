package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/config"
	"github.com/adred-codev/chat-gateway/internal/dispatch"
	"github.com/adred-codev/chat-gateway/internal/gateway"
	"github.com/adred-codev/chat-gateway/internal/heartbeat"
	"github.com/adred-codev/chat-gateway/internal/kv"
	"github.com/adred-codev/chat-gateway/internal/logging"
	"github.com/adred-codev/chat-gateway/internal/metrics"
	"github.com/adred-codev/chat-gateway/internal/model"
	"github.com/adred-codev/chat-gateway/internal/ratelimit"
	"github.com/adred-codev/chat-gateway/internal/registry"
	"github.com/adred-codev/chat-gateway/internal/replica"
	"github.com/adred-codev/chat-gateway/internal/stream"
	"github.com/adred-codev/chat-gateway/internal/sysmetrics"
)

func main() {
	var (
		debug    = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		useRedis = flag.Bool("redis", false, "use RedisStore instead of the in-process MemoryStore")
	)
	flag.Parse()

	bootstrap := log.New(os.Stdout, "[chat-gateway] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrap.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load()
	if err != nil {
		bootstrap.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	var store kv.Store
	if *useRedis {
		redisStore := kv.NewRedisStore(kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisStore.Ping(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("failed to reach redis")
		}
		store = redisStore
	} else {
		store = kv.NewMemoryStore()
		logger.Warn().Msg("running with in-process MemoryStore; rate limits are not shared across replicas")
	}

	limiterConfig := ratelimit.DefaultConfig()
	limiterConfig.MaxConnectionsPerUser = cfg.MaxConnectionsPerUser
	limiterConfig.BackoffBase = cfg.BackoffBase
	limiterConfig.BackoffMax = cfg.BackoffMax
	limiter := ratelimit.New(store, limiterConfig)

	connGuard := ratelimit.NewConnRateLimiter(ratelimit.ConnRateConfig{
		PerIPRate:   rate.Limit(cfg.ConnRateIPPerSec),
		PerIPBurst:  cfg.ConnRateIPBurst,
		GlobalRate:  rate.Limit(cfg.ConnRateGlobalPerSec),
		GlobalBurst: cfg.ConnRateGlobalBurst,
	})

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	hbEngine := heartbeat.New(cfg.PingInterval, cfg.PingTimeout, logger)

	// reg is referenced by startHeartbeat before it exists; registry.New
	// needs the starter closure up front, and the closure needs reg to
	// call Disconnect on a heartbeat timeout. The two are wired together
	// through this forward declaration.
	var reg *registry.Registry
	startHeartbeat := func(conn *registry.Connection) context.CancelFunc {
		return hbEngine.Start(conn.ClientID, conn, func() {
			reg.Disconnect(context.Background(), conn.ClientID, 1001, "heartbeat timeout")
		})
	}
	reg = registry.New(limiter, cfg.MaxHistorySize, startHeartbeat, logger)

	streamEngine := stream.New(model.NewChunkingClient(cfg.ChunkSize), 50*time.Millisecond, logger)

	dispatchConfig := dispatch.DefaultConfig()
	dispatchConfig.MaxMessageLength = cfg.MaxMessageLength
	dispatcher := dispatch.New(reg, limiter, streamEngine, dispatchConfig, logger)

	var broadcaster *replica.Broadcaster
	if cfg.NATSURL != "" {
		replicaConfig := replica.DefaultConfig()
		replicaConfig.URL = cfg.NATSURL
		originID := hostnameOrRandom()
		broadcaster, err = replica.Connect(replicaConfig, originID, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer broadcaster.Close()
	}

	gw := gateway.New(verifier, limiter, reg, dispatcher, hbEngine, connGuard, broadcaster, logger)

	if broadcaster != nil {
		if err := broadcaster.Subscribe(gw.OnRemoteBroadcast); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to nats broadcast subject")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := sysmetrics.New(cfg.MetricsInterval, logger)
	go sampler.Run(ctx)

	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				gw.Sweep()
			}
		}
	}()

	mux := http.NewServeMux()
	gw.Mount(mux, metrics.Handler())

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("chat gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func hostnameOrRandom() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gateway-replica"
}
