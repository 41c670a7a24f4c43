package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configuration for the redis-backed store.
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns"`
	MaxRetries   int           `json:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	KeyPrefix string `json:"key_prefix"`

	ExistingClient redis.UniversalClient `json:"-"`
	EnableMetrics  bool                  `json:"enable_metrics"`
}

// slideScript runs the full read-prune-check-append-write cycle server-side
// so the cycle is atomic across gateway instances. Window timestamps live
// in a sorted set scored by millisecond epoch; lifetime totals live in a
// companion hash. Members are "<ts>-<total>" to stay unique within one ms.
var slideScript = redis.NewScript(`
local key = KEYS[1]
local meta = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])
local burstWindow = tonumber(ARGV[5])
local perSec = tonumber(ARGV[6])
local perMin = tonumber(ARGV[7])
local ttlMs = tonumber(ARGV[8])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local lastSecond = redis.call('ZCOUNT', key, '(' .. (now - 1000), '+inf')
local lastMinute = redis.call('ZCOUNT', key, '(' .. (now - 60000), '+inf')

local admitted = 1
local cause = ''
if perSec > 0 and lastSecond >= perSec then
	admitted = 0
	cause = 'per_second'
elseif perMin > 0 and lastMinute >= perMin then
	admitted = 0
	cause = 'per_minute'
elseif count >= limit then
	local inBurst = redis.call('ZCOUNT', key, '(' .. (now - burstWindow), '+inf')
	if burst <= 0 or inBurst >= burst then
		admitted = 0
		cause = 'capacity'
	end
end

if admitted == 1 then
	local total = redis.call('HINCRBY', meta, 'total', 1)
	redis.call('HSETNX', meta, 'first', now)
	redis.call('ZADD', key, now, now .. '-' .. total)
	count = count + 1
	lastSecond = lastSecond + 1
	lastMinute = lastMinute + 1
end

redis.call('PEXPIRE', key, ttlMs)
redis.call('PEXPIRE', meta, ttlMs)

local oldest = 0
local o = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if o[2] then
	oldest = tonumber(o[2])
end
local total = tonumber(redis.call('HGET', meta, 'total') or '0')
local first = tonumber(redis.call('HGET', meta, 'first') or '0')

return {admitted, cause, count, oldest, lastSecond, lastMinute, total, first}
`)

// RedisStore implements CounterStore on redis for multi-instance
// deployments.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	ownedClient bool
	config      *RedisConfig
	metrics     *PerformanceMetrics
	metricsMu   sync.RWMutex
	closed      atomic.Bool
}

// NewRedisStore creates a redis-backed counter store, connecting eagerly so
// misconfiguration surfaces at startup rather than on the first request.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	var client redis.UniversalClient
	var ownedClient bool

	if config.ExistingClient != nil {
		client = config.ExistingClient
	} else if config.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         config.Addr,
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   config.MaxRetries,
			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
		ownedClient = true
	} else {
		return nil, fmt.Errorf("no redis client configuration provided")
	}

	return newRedisStore(client, ownedClient, config)
}

// newRedisStore pings the client and wraps it. An owned client is closed
// when the ping fails.
func newRedisStore(client redis.UniversalClient, ownedClient bool, config *RedisConfig) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if ownedClient {
			client.Close()
		}
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "gateway:"
	}

	return &RedisStore{
		client:      client,
		prefix:      prefix,
		ownedClient: ownedClient,
		config:      config,
		metrics: &PerformanceMetrics{
			LastOperation: time.Now(),
		},
	}, nil
}

func (r *RedisStore) key(key string) string  { return r.prefix + key }
func (r *RedisStore) meta(key string) string { return r.prefix + key + ":meta" }

func (r *RedisStore) recordOperation(success bool, duration time.Duration) {
	if !r.config.EnableMetrics {
		return
	}

	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	atomic.AddInt64(&r.metrics.TotalOperations, 1)
	if success {
		atomic.AddInt64(&r.metrics.SuccessfulOps, 1)
	} else {
		atomic.AddInt64(&r.metrics.FailedOps, 1)
	}
	if r.metrics.TotalOperations == 1 {
		r.metrics.AvgLatency = duration
	} else {
		r.metrics.AvgLatency = (r.metrics.AvgLatency + duration) / 2
	}
	r.metrics.LastOperation = time.Now()
}

func (r *RedisStore) Get(ctx context.Context, key string, nowMs, windowMs int64) (*CounterRecord, error) {
	start := time.Now()

	if r.closed.Load() {
		return nil, ErrStoreNotReady
	}

	redisKey := r.key(key)
	windowStart := nowMs - windowMs

	members, err := r.client.ZRangeByScoreWithScores(ctx, redisKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(windowStart, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		r.recordOperation(false, time.Since(start))
		return nil, err
	}
	if len(members) == 0 {
		r.recordOperation(true, time.Since(start))
		return nil, nil
	}

	meta, err := r.client.HGetAll(ctx, r.meta(key)).Result()
	if err != nil {
		r.recordOperation(false, time.Since(start))
		return nil, err
	}

	rec := &CounterRecord{Key: key, Timestamps: make([]int64, 0, len(members))}
	for _, z := range members {
		rec.Timestamps = append(rec.Timestamps, int64(z.Score))
	}
	rec.TotalRequests, _ = strconv.ParseInt(meta["total"], 10, 64)
	rec.FirstRequestAt, _ = strconv.ParseInt(meta["first"], 10, 64)

	r.recordOperation(true, time.Since(start))
	return rec, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, rec *CounterRecord, ttl time.Duration) error {
	start := time.Now()

	if r.closed.Load() {
		return ErrStoreNotReady
	}
	if key == "" {
		return ErrInvalidKey
	}

	redisKey := r.key(key)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisKey)
	for i, ts := range rec.Timestamps {
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(ts),
			Member: fmt.Sprintf("%d-%d", ts, i),
		})
	}
	pipe.HSet(ctx, r.meta(key), map[string]interface{}{
		"total": rec.TotalRequests,
		"first": rec.FirstRequestAt,
	})
	if ttl > 0 {
		pipe.PExpire(ctx, redisKey, ttl)
		pipe.PExpire(ctx, r.meta(key), ttl)
	}

	_, err := pipe.Exec(ctx)
	r.recordOperation(err == nil, time.Since(start))
	return err
}

func (r *RedisStore) Slide(ctx context.Context, key string, args SlideArgs) (*SlideResult, error) {
	start := time.Now()

	if r.closed.Load() {
		return nil, ErrStoreNotReady
	}
	if key == "" {
		return nil, ErrInvalidKey
	}

	raw, err := slideScript.Run(ctx, r.client,
		[]string{r.key(key), r.meta(key)},
		args.NowMs, args.WindowMs, args.Limit,
		args.BurstAllowance, args.BurstWindowMs,
		args.PerSecondLimit, args.PerMinuteLimit,
		args.TTL.Milliseconds(),
	).Result()
	if err != nil {
		r.recordOperation(false, time.Since(start))
		return nil, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 8 {
		r.recordOperation(false, time.Since(start))
		return nil, fmt.Errorf("unexpected slide script reply: %v", raw)
	}

	res := &SlideResult{
		Admitted:   asInt64(reply[0]) == 1,
		Count:      int(asInt64(reply[2])),
		OldestMs:   asInt64(reply[3]),
		LastSecond: int(asInt64(reply[4])),
		LastMinute: int(asInt64(reply[5])),
		Total:      asInt64(reply[6]),
		FirstAt:    asInt64(reply[7]),
	}
	if cause, ok := reply[1].(string); ok {
		res.Denial = DenialCause(cause)
	}

	r.recordOperation(true, time.Since(start))
	return res, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func (r *RedisStore) PatternCount(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	if r.closed.Load() {
		return 0, ErrStoreNotReady
	}

	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		r.recordOperation(true, time.Since(start))
		return 0, nil
	}
	if err != nil {
		r.recordOperation(false, time.Since(start))
		return 0, err
	}

	count, _ := strconv.ParseInt(val, 10, 64)
	r.recordOperation(true, time.Since(start))
	return count, nil
}

func (r *RedisStore) IncrPattern(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()

	if r.closed.Load() {
		return 0, ErrStoreNotReady
	}

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, r.key(key))
	if ttl > 0 {
		pipe.Expire(ctx, r.key(key), ttl)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		r.recordOperation(false, time.Since(start))
		return 0, err
	}

	r.recordOperation(true, time.Since(start))
	return incr.Val(), nil
}

func (r *RedisStore) ResetPattern(ctx context.Context, key string) error {
	start := time.Now()

	if r.closed.Load() {
		return ErrStoreNotReady
	}

	err := r.client.Del(ctx, r.key(key)).Err()
	r.recordOperation(err == nil, time.Since(start))
	return err
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return ErrStoreNotReady
	}
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.ownedClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisStore) Type() StoreType {
	return RedisStoreType
}

func (r *RedisStore) Info() StoreInfo {
	r.metricsMu.RLock()
	metrics := *r.metrics
	r.metricsMu.RUnlock()

	status := "healthy"
	connected := !r.closed.Load()
	lastError := ""

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		status = "unhealthy"
		connected = false
		lastError = err.Error()
	}

	return StoreInfo{
		Type:      RedisStoreType,
		Status:    status,
		Connected: connected,
		LastError: lastError,
		Metadata: map[string]interface{}{
			"key_prefix":   r.prefix,
			"owned_client": r.ownedClient,
		},
		Performance: &metrics,
	}
}

// NewRedisStoreFromURL creates a redis store from a connection URL. The
// parsed options (pool sizes, timeouts, TLS) go to the client unchanged.
func NewRedisStoreFromURL(redisURL, keyPrefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return newRedisStore(redis.NewClient(opt), true, &RedisConfig{KeyPrefix: keyPrefix})
}
