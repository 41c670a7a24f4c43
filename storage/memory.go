package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig configuration for the in-process store.
type MemoryConfig struct {
	MaxKeys         int           `json:"max_keys"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	EnableMetrics   bool          `json:"enable_metrics"`
}

type memoryCounter struct {
	record    CounterRecord
	expiresAt time.Time
}

type memoryPattern struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore implements CounterStore in process memory. Suitable for
// single-instance and dev deployments; the store mutex makes the Slide
// cycle atomic for concurrent request handlers.
type MemoryStore struct {
	counters map[string]*memoryCounter
	patterns map[string]*memoryPattern
	mu       sync.Mutex

	config    *MemoryConfig
	metrics   *PerformanceMetrics
	metricsMu sync.RWMutex

	janitorTicker *time.Ticker
	stopJanitor   chan struct{}
	closed        bool
}

// NewMemoryStore creates a new in-process counter store.
func NewMemoryStore(config *MemoryConfig) *MemoryStore {
	if config == nil {
		config = &MemoryConfig{}
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = 10000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	m := &MemoryStore{
		counters:    make(map[string]*memoryCounter),
		patterns:    make(map[string]*memoryPattern),
		config:      config,
		stopJanitor: make(chan struct{}),
		metrics: &PerformanceMetrics{
			LastOperation: time.Now(),
		},
	}
	m.startJanitor()
	return m
}

func (m *MemoryStore) startJanitor() {
	m.janitorTicker = time.NewTicker(m.config.CleanupInterval)
	go func() {
		for {
			select {
			case <-m.janitorTicker.C:
				m.removeExpired()
			case <-m.stopJanitor:
				m.janitorTicker.Stop()
				return
			}
		}
	}()
}

func (m *MemoryStore) removeExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.counters {
		if now.After(entry.expiresAt) {
			delete(m.counters, key)
		}
	}
	for key, entry := range m.patterns {
		if now.After(entry.expiresAt) {
			delete(m.patterns, key)
		}
	}
}

func (m *MemoryStore) recordOperation(success bool, duration time.Duration) {
	if !m.config.EnableMetrics {
		return
	}

	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	atomic.AddInt64(&m.metrics.TotalOperations, 1)
	if success {
		atomic.AddInt64(&m.metrics.SuccessfulOps, 1)
	} else {
		atomic.AddInt64(&m.metrics.FailedOps, 1)
	}
	if m.metrics.TotalOperations == 1 {
		m.metrics.AvgLatency = duration
	} else {
		m.metrics.AvgLatency = (m.metrics.AvgLatency + duration) / 2
	}
	m.metrics.LastOperation = time.Now()
}

// live returns a counter entry if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string) *memoryCounter {
	entry, ok := m.counters[key]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.counters, key)
		return nil
	}
	return entry
}

func (m *MemoryStore) Get(ctx context.Context, key string, nowMs, windowMs int64) (*CounterRecord, error) {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreNotReady
	}

	entry := m.live(key)
	if entry == nil {
		return nil, nil
	}

	window := pruneWindow(entry.record.Timestamps, nowMs-windowMs)
	return &CounterRecord{
		Key:            entry.record.Key,
		Timestamps:     window,
		FirstRequestAt: entry.record.FirstRequestAt,
		TotalRequests:  entry.record.TotalRequests,
	}, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, rec *CounterRecord, ttl time.Duration) error {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	if key == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreNotReady
	}

	if len(m.counters) >= m.config.MaxKeys {
		if _, exists := m.counters[key]; !exists {
			m.evictOldest()
		}
	}

	m.counters[key] = &memoryCounter{
		record:    *rec,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Slide(ctx context.Context, key string, args SlideArgs) (*SlideResult, error) {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	if key == "" {
		return nil, ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreNotReady
	}

	entry := m.live(key)
	if entry == nil {
		if len(m.counters) >= m.config.MaxKeys {
			m.evictOldest()
		}
		entry = &memoryCounter{
			record: CounterRecord{Key: key, FirstRequestAt: args.NowMs},
		}
		m.counters[key] = entry
	}

	window := pruneWindow(entry.record.Timestamps, args.NowMs-args.WindowMs)
	admitted, cause := evaluateWindow(window, args)
	if admitted {
		window = append(window, args.NowMs)
		entry.record.TotalRequests++
	}
	entry.record.Timestamps = window
	entry.expiresAt = time.Now().Add(args.TTL)

	res := &SlideResult{
		Admitted:   admitted,
		Denial:     cause,
		Count:      len(window),
		LastSecond: countSince(window, args.NowMs-1000),
		LastMinute: countSince(window, args.NowMs-60000),
		Total:      entry.record.TotalRequests,
		FirstAt:    entry.record.FirstRequestAt,
	}
	if len(window) > 0 {
		res.OldestMs = window[0]
	}
	return res, nil
}

// evictOldest removes the counter whose newest timestamp is oldest.
// Caller holds mu.
func (m *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestTs int64 = -1
	for key, entry := range m.counters {
		var newest int64
		if n := len(entry.record.Timestamps); n > 0 {
			newest = entry.record.Timestamps[n-1]
		}
		if oldestTs == -1 || newest < oldestTs {
			oldestTs = newest
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(m.counters, oldestKey)
	}
}

func (m *MemoryStore) PatternCount(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreNotReady
	}

	entry, ok := m.patterns[key]
	if !ok {
		return 0, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.patterns, key)
		return 0, nil
	}
	return entry.count, nil
}

func (m *MemoryStore) IncrPattern(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreNotReady
	}

	entry, ok := m.patterns[key]
	if !ok || time.Now().After(entry.expiresAt) {
		entry = &memoryPattern{}
		m.patterns[key] = entry
		entry.expiresAt = time.Now().Add(ttl)
	}
	entry.count++
	return entry.count, nil
}

func (m *MemoryStore) ResetPattern(ctx context.Context, key string) error {
	start := time.Now()
	defer func() { m.recordOperation(true, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreNotReady
	}

	delete(m.patterns, key)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreNotReady
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopJanitor)
	m.counters = make(map[string]*memoryCounter)
	m.patterns = make(map[string]*memoryPattern)
	return nil
}

func (m *MemoryStore) Type() StoreType {
	return MemoryStoreType
}

func (m *MemoryStore) Info() StoreInfo {
	m.metricsMu.RLock()
	metrics := *m.metrics
	m.metricsMu.RUnlock()

	m.mu.Lock()
	keys := len(m.counters)
	patterns := len(m.patterns)
	closed := m.closed
	m.mu.Unlock()

	status := "healthy"
	if closed {
		status = "closed"
	}

	return StoreInfo{
		Type:      MemoryStoreType,
		Status:    status,
		Connected: !closed,
		Metadata: map[string]interface{}{
			"counter_keys": keys,
			"pattern_keys": patterns,
			"max_keys":     m.config.MaxKeys,
		},
		Performance: &metrics,
	}
}
