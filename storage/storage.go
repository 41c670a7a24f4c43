// storage.go
// Purpose: Counter Store abstraction shared by all admission-engine backends.
// The store holds sliding-window request counters and longer-lived pattern
// counters; it is the only shared mutable state in the gateway.

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StoreType identifies the storage backend.
type StoreType string

const (
	MemoryStoreType   StoreType = "memory"
	RedisStoreType    StoreType = "redis"
	FallbackStoreType StoreType = "fallback"
)

// StoreInfo reports backend health and performance.
type StoreInfo struct {
	Type        StoreType              `json:"type"`
	Status      string                 `json:"status"`
	Connected   bool                   `json:"connected"`
	LastError   string                 `json:"last_error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Performance *PerformanceMetrics    `json:"performance,omitempty"`
}

// PerformanceMetrics tracks store operation counts and latency.
type PerformanceMetrics struct {
	TotalOperations int64         `json:"total_operations"`
	SuccessfulOps   int64         `json:"successful_ops"`
	FailedOps       int64         `json:"failed_ops"`
	AvgLatency      time.Duration `json:"avg_latency"`
	LastOperation   time.Time     `json:"last_operation"`
}

// CounterRecord is the per-(client, endpoint) sliding-window state.
// Timestamps are millisecond epoch values, oldest first.
type CounterRecord struct {
	Key            string  `json:"key"`
	Timestamps     []int64 `json:"timestamps"`
	FirstRequestAt int64   `json:"first_request_at"`
	TotalRequests  int64   `json:"total_requests"`
}

// SlideArgs parameterizes one atomic read-prune-check-append-write cycle.
// PerSecondLimit/PerMinuteLimit of zero disable the corresponding check.
type SlideArgs struct {
	NowMs          int64
	WindowMs       int64
	Limit          int
	BurstAllowance int
	BurstWindowMs  int64
	PerSecondLimit int
	PerMinuteLimit int
	TTL            time.Duration
}

// DenialCause names why a Slide call refused to append.
type DenialCause string

const (
	DenialNone      DenialCause = ""
	DenialCapacity  DenialCause = "capacity"
	DenialPerSecond DenialCause = "per_second"
	DenialPerMinute DenialCause = "per_minute"
)

// SlideResult reports the window state after a Slide call. Count includes
// the appended timestamp when Admitted is true.
type SlideResult struct {
	Admitted   bool
	Denial     DenialCause
	Count      int
	OldestMs   int64
	LastSecond int
	LastMinute int
	Total      int64
	FirstAt    int64
}

// Common errors.
var (
	ErrStoreNotReady = fmt.Errorf("store not ready")
	ErrInvalidKey    = fmt.Errorf("invalid key")
)

// CounterStore is the contract the admission engine requires from its
// backing store. Slide must be atomic per key: concurrent callers may not
// observe a window between prune and append. Get never mutates state, so
// the deny path consumes no quota.
type CounterStore interface {
	// Get returns the pruned view of a counter record, or nil when absent.
	Get(ctx context.Context, key string, nowMs, windowMs int64) (*CounterRecord, error)

	// Set replaces a counter record with the given TTL. Used for seeding
	// and administrative resets; the hot path goes through Slide.
	Set(ctx context.Context, key string, rec *CounterRecord, ttl time.Duration) error

	// Slide executes the atomic sliding-window cycle described by args.
	Slide(ctx context.Context, key string, args SlideArgs) (*SlideResult, error)

	// Pattern counters live in separate, longer-TTL records keyed by client.
	PatternCount(ctx context.Context, key string) (int64, error)
	IncrPattern(ctx context.Context, key string, ttl time.Duration) (int64, error)
	ResetPattern(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error

	Type() StoreType
	Info() StoreInfo
}

// SanitizeKey maps an arbitrary identifier to the opaque ASCII key space
// the store contract requires: non-alphanumeric runes become underscores.
func SanitizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CounterKey derives the per-(client, endpoint) counter key.
func CounterKey(clientKey, endpoint string) string {
	return "rl:" + SanitizeKey(clientKey) + ":" + SanitizeKey(endpoint)
}

// PatternKey derives the per-client pattern-counter key.
func PatternKey(clientKey string) string {
	return "pattern:" + SanitizeKey(clientKey)
}

// evaluateWindow applies the Slide decision logic to an already-pruned
// timestamp slice. Shared by the memory store; the redis backend runs the
// same logic inside a Lua script so the cycle stays atomic across processes.
func evaluateWindow(window []int64, args SlideArgs) (admitted bool, cause DenialCause) {
	lastSecond := countSince(window, args.NowMs-1000)
	lastMinute := countSince(window, args.NowMs-60000)

	if args.PerSecondLimit > 0 && lastSecond >= args.PerSecondLimit {
		return false, DenialPerSecond
	}
	if args.PerMinuteLimit > 0 && lastMinute >= args.PerMinuteLimit {
		return false, DenialPerMinute
	}
	if len(window) >= args.Limit {
		inBurst := countSince(window, args.NowMs-args.BurstWindowMs)
		if args.BurstAllowance <= 0 || inBurst >= args.BurstAllowance {
			return false, DenialCapacity
		}
	}
	return true, DenialNone
}

func countSince(window []int64, cutoff int64) int {
	n := 0
	for _, ts := range window {
		if ts > cutoff {
			n++
		}
	}
	return n
}

func pruneWindow(timestamps []int64, windowStart int64) []int64 {
	valid := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts > windowStart {
			valid = append(valid, ts)
		}
	}
	return valid
}
