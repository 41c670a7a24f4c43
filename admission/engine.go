// engine.go
// Purpose: the admission decision itself. Sliding-window accounting with a
// burst sub-window, DDoS signal checks, and fail-open behavior when the
// counter store is unreachable.

package admission

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/researchly/gateway/events"
	"github.com/researchly/gateway/policy"
	"github.com/researchly/gateway/storage"
)

// Identity is the resolved caller the engine accounts against. ClientKey
// must be deterministic for the same caller within a window so counters
// aggregate correctly.
type Identity struct {
	ClientKey string      `json:"client_key"`
	Role      policy.Role `json:"role"`
	Tier      policy.Tier `json:"tier"`
}

// DenyCause classifies why a request was denied.
type DenyCause string

const (
	DenyNone        DenyCause = ""
	DenyRateLimit   DenyCause = "rate_limit"
	DenyPerSecond   DenyCause = "ddos_per_second"
	DenyPerMinute   DenyCause = "ddos_per_minute"
	DenyAuthPattern DenyCause = "ddos_auth_pattern"
)

// Decision is the engine's verdict for one request. Infrastructure
// failures surface as Allowed=true with FailedOpen set, never as an error
// the middleware has to interpret.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	ResetAt    int64     `json:"reset_at"` // ms epoch when the window frees a slot
	RetryAfter int       `json:"retry_after,omitempty"`
	Cause      DenyCause `json:"cause,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	FailedOpen bool      `json:"failed_open,omitempty"`
}

// Thresholds consolidates every tunable constant of the engine so
// deployments and tests configure it in one place.
type Thresholds struct {
	PerSecondLimit   int           `json:"per_second_limit"`
	PerMinuteLimit   int           `json:"per_minute_limit"`
	AuthPatternLimit int           `json:"auth_pattern_limit"`
	BurstWindow      time.Duration `json:"burst_window"`
	PatternTTL       time.Duration `json:"pattern_ttl"`

	RetryAfterPerSecond   int `json:"retry_after_per_second"`
	RetryAfterPerMinute   int `json:"retry_after_per_minute"`
	RetryAfterAuthPattern int `json:"retry_after_auth_pattern"`

	StoreTimeout time.Duration `json:"store_timeout"`
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PerSecondLimit:        10,
		PerMinuteLimit:        300,
		AuthPatternLimit:      5,
		BurstWindow:           60 * time.Second,
		PatternTTL:            time.Hour,
		RetryAfterPerSecond:   60,
		RetryAfterPerMinute:   300,
		RetryAfterAuthPattern: 600,
		StoreTimeout:          250 * time.Millisecond,
	}
}

// Stats holds engine counters.
type Stats struct {
	TotalRequests   int64 `json:"total_requests"`
	AllowedRequests int64 `json:"allowed_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	FailedOpen      int64 `json:"failed_open"`
	DDoSTriggers    int64 `json:"ddos_triggers"`
}

// Engine makes admission decisions against a CounterStore.
type Engine struct {
	store      storage.CounterStore
	thresholds Thresholds
	recorder   *events.Recorder
	logger     *zap.SugaredLogger

	stats Stats
}

// NewEngine creates an admission engine. recorder may be nil when no
// observability sink is wired.
func NewEngine(store storage.CounterStore, thresholds Thresholds, recorder *events.Recorder, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if thresholds.StoreTimeout <= 0 {
		thresholds.StoreTimeout = 250 * time.Millisecond
	}
	if thresholds.BurstWindow <= 0 {
		thresholds.BurstWindow = 60 * time.Second
	}
	return &Engine{
		store:      store,
		thresholds: thresholds,
		recorder:   recorder,
		logger:     logger,
	}
}

// Check evaluates one request. endpoint must already be normalized; now is
// injected for testability.
func (e *Engine) Check(ctx context.Context, identity Identity, endpoint string, pol policy.RateLimitPolicy, now time.Time) Decision {
	atomic.AddInt64(&e.stats.TotalRequests, 1)

	nowMs := now.UnixMilli()
	windowMs := pol.Window.Milliseconds()
	key := storage.CounterKey(identity.ClientKey, endpoint)
	authEndpoint := policy.IsAuthEndpoint(endpoint)

	// Pattern signal first: a client already flagged for hammering the
	// auth surface stays blocked without touching its window counters.
	if pol.DDoSProtection && authEndpoint {
		if d, blocked := e.checkAuthPattern(ctx, identity, pol, nowMs, windowMs); blocked {
			return d
		}
	}

	args := storage.SlideArgs{
		NowMs:          nowMs,
		WindowMs:       windowMs,
		Limit:          pol.MaxRequests,
		BurstAllowance: pol.BurstAllowance,
		BurstWindowMs:  e.thresholds.BurstWindow.Milliseconds(),
		TTL:            pol.Window,
	}
	if pol.DDoSProtection {
		args.PerSecondLimit = e.thresholds.PerSecondLimit
		args.PerMinuteLimit = e.thresholds.PerMinuteLimit
	}

	sctx, cancel := context.WithTimeout(ctx, e.thresholds.StoreTimeout)
	res, err := e.store.Slide(sctx, key, args)
	cancel()
	if err != nil {
		return e.failOpen(identity, pol, nowMs, windowMs, "counter store unavailable: "+err.Error())
	}

	if res.Admitted {
		atomic.AddInt64(&e.stats.AllowedRequests, 1)
		if authEndpoint {
			e.resetAuthPattern(ctx, identity)
		}
		return Decision{
			Allowed:   true,
			Limit:     pol.MaxRequests,
			Remaining: max(pol.MaxRequests-res.Count, 0),
			ResetAt:   resetAt(res.OldestMs, nowMs, windowMs),
		}
	}

	atomic.AddInt64(&e.stats.BlockedRequests, 1)
	if authEndpoint {
		e.bumpAuthPattern(ctx, identity)
	}

	switch res.Denial {
	case storage.DenialPerSecond:
		atomic.AddInt64(&e.stats.DDoSTriggers, 1)
		e.emitSuspicious(identity, "per_second_burst", events.SeverityHigh, map[string]string{
			"endpoint": endpoint,
			"count":    strconv.Itoa(res.LastSecond),
		})
		return Decision{
			Limit:      pol.MaxRequests,
			ResetAt:    resetAt(res.OldestMs, nowMs, windowMs),
			RetryAfter: e.thresholds.RetryAfterPerSecond,
			Cause:      DenyPerSecond,
			Reason:     "request rate exceeded the per-second protection threshold",
		}
	case storage.DenialPerMinute:
		atomic.AddInt64(&e.stats.DDoSTriggers, 1)
		e.emitSuspicious(identity, "per_minute_burst", events.SeverityMedium, map[string]string{
			"endpoint": endpoint,
			"count":    strconv.Itoa(res.LastMinute),
		})
		return Decision{
			Limit:      pol.MaxRequests,
			ResetAt:    resetAt(res.OldestMs, nowMs, windowMs),
			RetryAfter: e.thresholds.RetryAfterPerMinute,
			Cause:      DenyPerMinute,
			Reason:     "request rate exceeded the per-minute protection threshold",
		}
	default:
		retry := retryAfterSeconds(res.OldestMs, nowMs, windowMs)
		return Decision{
			Limit:      pol.MaxRequests,
			ResetAt:    resetAt(res.OldestMs, nowMs, windowMs),
			RetryAfter: retry,
			Cause:      DenyRateLimit,
			Reason:     "rate limit exceeded",
		}
	}
}

// checkAuthPattern denies when the client's repeated-attempt counter has
// crossed the threshold. Store failures here fall through to the normal
// capacity path rather than failing the whole check.
func (e *Engine) checkAuthPattern(ctx context.Context, identity Identity, pol policy.RateLimitPolicy, nowMs, windowMs int64) (Decision, bool) {
	sctx, cancel := context.WithTimeout(ctx, e.thresholds.StoreTimeout)
	count, err := e.store.PatternCount(sctx, storage.PatternKey(identity.ClientKey))
	cancel()
	if err != nil {
		e.logger.Debugw("pattern counter unavailable", "err", err)
		return Decision{}, false
	}
	if count < int64(e.thresholds.AuthPatternLimit) {
		return Decision{}, false
	}

	atomic.AddInt64(&e.stats.BlockedRequests, 1)
	atomic.AddInt64(&e.stats.DDoSTriggers, 1)
	e.emitSuspicious(identity, "repeated_auth_attempts", events.SeverityHigh, map[string]string{
		"attempts": strconv.FormatInt(count, 10),
	})
	return Decision{
		Limit:      pol.MaxRequests,
		ResetAt:    nowMs + windowMs,
		RetryAfter: e.thresholds.RetryAfterAuthPattern,
		Cause:      DenyAuthPattern,
		Reason:     "repeated authentication attempts detected",
	}, true
}

func (e *Engine) bumpAuthPattern(ctx context.Context, identity Identity) {
	sctx, cancel := context.WithTimeout(ctx, e.thresholds.StoreTimeout)
	defer cancel()
	if _, err := e.store.IncrPattern(sctx, storage.PatternKey(identity.ClientKey), e.thresholds.PatternTTL); err != nil {
		e.logger.Debugw("pattern counter bump failed", "err", err)
	}
}

func (e *Engine) resetAuthPattern(ctx context.Context, identity Identity) {
	sctx, cancel := context.WithTimeout(ctx, e.thresholds.StoreTimeout)
	defer cancel()
	if err := e.store.ResetPattern(sctx, storage.PatternKey(identity.ClientKey)); err != nil {
		e.logger.Debugw("pattern counter reset failed", "err", err)
	}
}

func (e *Engine) failOpen(identity Identity, pol policy.RateLimitPolicy, nowMs, windowMs int64, reason string) Decision {
	atomic.AddInt64(&e.stats.AllowedRequests, 1)
	atomic.AddInt64(&e.stats.FailedOpen, 1)
	e.logger.Warnw("admitting without counters", "client", identity.ClientKey, "reason", reason)
	if e.recorder != nil {
		e.recorder.Record(events.Event{
			Type:      events.InfrastructureFailure,
			Reason:    reason,
			Severity:  events.SeverityLow,
			ClientKey: identity.ClientKey,
		})
	}
	return Decision{
		Allowed:    true,
		Limit:      pol.MaxRequests,
		Remaining:  pol.MaxRequests,
		ResetAt:    nowMs + windowMs,
		Reason:     reason,
		FailedOpen: true,
	}
}

func (e *Engine) emitSuspicious(identity Identity, activity string, severity events.Severity, metadata map[string]string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(events.Event{
		Type:      events.DDoSProtectionTrigger,
		Reason:    activity,
		Severity:  severity,
		ClientKey: identity.ClientKey,
		Metadata:  metadata,
	})
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		TotalRequests:   atomic.LoadInt64(&e.stats.TotalRequests),
		AllowedRequests: atomic.LoadInt64(&e.stats.AllowedRequests),
		BlockedRequests: atomic.LoadInt64(&e.stats.BlockedRequests),
		FailedOpen:      atomic.LoadInt64(&e.stats.FailedOpen),
		DDoSTriggers:    atomic.LoadInt64(&e.stats.DDoSTriggers),
	}
}

// resetAt is the ms-epoch moment the oldest in-window request expires, or
// the end of a fresh window when none exist.
func resetAt(oldestMs, nowMs, windowMs int64) int64 {
	if oldestMs > 0 {
		return oldestMs + windowMs
	}
	return nowMs + windowMs
}

// retryAfterSeconds rounds up the wait until the oldest in-window request
// falls out of the window.
func retryAfterSeconds(oldestMs, nowMs, windowMs int64) int {
	if oldestMs <= 0 {
		return 1
	}
	waitMs := oldestMs + windowMs - nowMs
	if waitMs <= 0 {
		return 1
	}
	return int((waitMs + 999) / 1000)
}

