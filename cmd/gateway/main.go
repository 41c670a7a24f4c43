package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/researchly/gateway/admission"
	"github.com/researchly/gateway/config"
	"github.com/researchly/gateway/events"
	"github.com/researchly/gateway/gateway"
	"github.com/researchly/gateway/inspect"
	"github.com/researchly/gateway/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("GATEWAY_CONFIG"), "Path to config file (yaml)")
	flag.Parse()

	config.LoadDotenv()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	store := newStore(cfg, logger)
	defer store.Close()

	memorySink := events.NewMemorySink(500)
	recorder := events.NewRecorder(&events.RecorderConfig{Logger: logger},
		events.NewLogSink(logger), memorySink)
	defer recorder.Close()

	gw := gateway.New(store, gateway.Options{
		Enabled:         cfg.Enabled,
		SkipOnError:     cfg.SkipOnError,
		AllowedOrigins:  cfg.AllowedOrigins,
		FailClosedPaths: cfg.FailClosedPaths,
		OverloadRate:    rate.Limit(cfg.OverloadRate),
		OverloadBurst:   cfg.OverloadBurst,
		TokenSecret:     []byte(cfg.TokenSecret),
		Thresholds: admission.Thresholds{
			PerSecondLimit:        cfg.Thresholds.PerSecondLimit,
			PerMinuteLimit:        cfg.Thresholds.PerMinuteLimit,
			AuthPatternLimit:      cfg.Thresholds.AuthPatternLimit,
			BurstWindow:           cfg.Thresholds.BurstWindow.Std(),
			PatternTTL:            cfg.Thresholds.PatternTTL.Std(),
			RetryAfterPerSecond:   cfg.Thresholds.RetryAfterPerSecond,
			RetryAfterPerMinute:   cfg.Thresholds.RetryAfterPerMinute,
			RetryAfterAuthPattern: cfg.Thresholds.RetryAfterAuthPattern,
			StoreTimeout:          cfg.Thresholds.StoreTimeout.Std(),
		},
		Inspector: &inspect.Config{
			MaxBodyBytes:   cfg.Thresholds.MaxBodyBytes,
			MaxURLLength:   cfg.Thresholds.MaxURLLength,
			MaxHeaderBytes: cfg.Thresholds.MaxHeaderBytes,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		Recorder: recorder,
		Logger:   logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), gw.Handler())
	registerDownstreams(router)

	dataSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	adminMux := http.NewServeMux()
	registerAdminHandlers(adminMux, gw, store, memorySink, recorder)
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           adminMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infow("admin server listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("admin server error", "err", err)
		}
	}()

	go func() {
		logger.Infow("gateway listening", "addr", cfg.ListenAddr, "store", store.Type())
		if err := dataSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dataSrv.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
}

func newLogger(cfg config.LogConfig) *zap.SugaredLogger {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	l, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	return l.Sugar()
}

// newStore selects redis when configured, wrapped so a redis outage demotes
// to in-process counting instead of failing every request open.
func newStore(cfg *config.Config, logger *zap.SugaredLogger) storage.CounterStore {
	memory := storage.NewMemoryStore(nil)

	var primary storage.CounterStore
	var err error
	switch {
	case cfg.Redis.URL != "":
		primary, err = storage.NewRedisStoreFromURL(cfg.Redis.URL, "")
	case cfg.Redis.Addr != "":
		primary, err = storage.NewRedisStore(&storage.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout.Std(),
			ReadTimeout:  cfg.Redis.ReadTimeout.Std(),
			WriteTimeout: cfg.Redis.WriteTimeout.Std(),
		})
	default:
		logger.Infow("no redis configured, using in-memory store")
		return memory
	}
	if err != nil {
		logger.Warnw("redis unavailable, using in-memory store", "err", err)
		return memory
	}

	fallback, err := storage.NewFallbackStore(&storage.FallbackConfig{
		Primary:  primary,
		Fallback: memory,
		Logger:   logger,
	})
	if err != nil {
		logger.Warnw("fallback wrapper failed, using redis directly", "err", err)
		return primary
	}
	return fallback
}

// registerDownstreams mounts mock protected handlers so the gateway can be
// exercised end to end without a real API behind it.
func registerDownstreams(router *gin.Engine) {
	router.POST("/api/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "authenticated"})
	})
	router.GET("/api/studies", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "studies": []string{}})
	})
	router.POST("/api/studies", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"success": true})
	})
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func registerAdminHandlers(mux *http.ServeMux, gw *gateway.Gateway, store storage.CounterStore, sink *events.MemorySink, recorder *events.Recorder) {
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"engine":   gw.Engine().Stats(),
			"store":    store.Info(),
			"recorded": recorder.Recorded(),
			"dropped":  recorder.Dropped(),
		})
	})

	mux.HandleFunc("/admin/violations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sink.Recent())
	})

	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
