package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FallbackConfig configuration for the primary/fallback wrapper.
type FallbackConfig struct {
	Primary             CounterStore       `json:"-"`
	Fallback            CounterStore       `json:"-"`
	HealthCheckInterval time.Duration      `json:"health_check_interval"`
	FailureThreshold    int                `json:"failure_threshold"`
	RecoveryThreshold   int                `json:"recovery_threshold"`
	Logger              *zap.SugaredLogger `json:"-"`
}

// FallbackStore routes counter operations to a primary store and demotes to
// a fallback (typically in-process memory) when the primary stops answering
// health checks. Counters are not migrated between backends; an occasional
// miscounted window during a switch is an accepted degradation under the
// gateway's fail-open contract.
type FallbackStore struct {
	primary  CounterStore
	fallback CounterStore
	config   *FallbackConfig
	logger   *zap.SugaredLogger

	primaryHealthy  bool
	failureCount    int
	recoveryCount   int
	lastHealthCheck time.Time
	mu              sync.RWMutex

	healthTicker    *time.Ticker
	stopHealthCheck chan struct{}
}

// NewFallbackStore creates a fallback-wrapped counter store.
func NewFallbackStore(config *FallbackConfig) (*FallbackStore, error) {
	if config == nil {
		return nil, fmt.Errorf("fallback config is required")
	}
	if config.Primary == nil || config.Fallback == nil {
		return nil, fmt.Errorf("both primary and fallback store are required")
	}

	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	fs := &FallbackStore{
		primary:         config.Primary,
		fallback:        config.Fallback,
		config:          config,
		logger:          logger,
		primaryHealthy:  true,
		stopHealthCheck: make(chan struct{}),
	}

	fs.startHealthCheck()
	return fs, nil
}

func (fs *FallbackStore) startHealthCheck() {
	fs.healthTicker = time.NewTicker(fs.config.HealthCheckInterval)

	go func() {
		for {
			select {
			case <-fs.healthTicker.C:
				fs.checkHealth()
			case <-fs.stopHealthCheck:
				fs.healthTicker.Stop()
				return
			}
		}
	}()
}

func (fs *FallbackStore) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := fs.primary.Ping(ctx)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.lastHealthCheck = time.Now()

	if err != nil {
		fs.failureCount++
		fs.recoveryCount = 0

		if fs.primaryHealthy && fs.failureCount >= fs.config.FailureThreshold {
			fs.primaryHealthy = false
			fs.logger.Warnw("primary counter store marked unhealthy",
				"failures", fs.failureCount, "err", err)
		}
	} else {
		fs.failureCount = 0
		fs.recoveryCount++

		if !fs.primaryHealthy && fs.recoveryCount >= fs.config.RecoveryThreshold {
			fs.primaryHealthy = true
			fs.logger.Infow("primary counter store recovered",
				"successful_checks", fs.recoveryCount)
		}
	}
}

func (fs *FallbackStore) active() CounterStore {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.primaryHealthy {
		return fs.primary
	}
	return fs.fallback
}

// markFailure counts an operation failure toward demotion so a dead primary
// is abandoned before the next scheduled health check.
func (fs *FallbackStore) markFailure() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.failureCount++
	fs.recoveryCount = 0
	if fs.primaryHealthy && fs.failureCount >= fs.config.FailureThreshold {
		fs.primaryHealthy = false
		fs.logger.Warnw("primary counter store demoted after operation failures",
			"failures", fs.failureCount)
	}
}

func (fs *FallbackStore) Get(ctx context.Context, key string, nowMs, windowMs int64) (*CounterRecord, error) {
	store := fs.active()
	rec, err := store.Get(ctx, key, nowMs, windowMs)
	if err != nil && store == fs.primary {
		fs.markFailure()
	}
	return rec, err
}

func (fs *FallbackStore) Set(ctx context.Context, key string, rec *CounterRecord, ttl time.Duration) error {
	store := fs.active()
	err := store.Set(ctx, key, rec, ttl)
	if err != nil && store == fs.primary {
		fs.markFailure()
	}
	return err
}

func (fs *FallbackStore) Slide(ctx context.Context, key string, args SlideArgs) (*SlideResult, error) {
	store := fs.active()
	res, err := store.Slide(ctx, key, args)
	if err != nil && store == fs.primary {
		fs.markFailure()
		return fs.fallback.Slide(ctx, key, args)
	}
	return res, err
}

func (fs *FallbackStore) PatternCount(ctx context.Context, key string) (int64, error) {
	store := fs.active()
	count, err := store.PatternCount(ctx, key)
	if err != nil && store == fs.primary {
		fs.markFailure()
	}
	return count, err
}

func (fs *FallbackStore) IncrPattern(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	store := fs.active()
	count, err := store.IncrPattern(ctx, key, ttl)
	if err != nil && store == fs.primary {
		fs.markFailure()
	}
	return count, err
}

func (fs *FallbackStore) ResetPattern(ctx context.Context, key string) error {
	store := fs.active()
	err := store.ResetPattern(ctx, key)
	if err != nil && store == fs.primary {
		fs.markFailure()
	}
	return err
}

func (fs *FallbackStore) Ping(ctx context.Context) error {
	return fs.active().Ping(ctx)
}

func (fs *FallbackStore) Close() error {
	close(fs.stopHealthCheck)

	var errs []error
	if err := fs.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary store close: %w", err))
	}
	if err := fs.fallback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("fallback store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (fs *FallbackStore) Type() StoreType {
	return FallbackStoreType
}

func (fs *FallbackStore) Info() StoreInfo {
	fs.mu.RLock()
	primaryHealthy := fs.primaryHealthy
	failureCount := fs.failureCount
	recoveryCount := fs.recoveryCount
	lastHealthCheck := fs.lastHealthCheck
	fs.mu.RUnlock()

	activeStore := "primary"
	if !primaryHealthy {
		activeStore = "fallback"
	}

	return StoreInfo{
		Type:      FallbackStoreType,
		Status:    "healthy",
		Connected: true,
		Metadata: map[string]interface{}{
			"active_store":      activeStore,
			"primary_healthy":   primaryHealthy,
			"failure_count":     failureCount,
			"recovery_count":    recoveryCount,
			"last_health_check": lastHealthCheck,
			"primary_type":      fs.primary.Type(),
			"fallback_type":     fs.fallback.Type(),
		},
	}
}
