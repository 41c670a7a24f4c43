// recorder.go
// Purpose: asynchronous, fire-and-forget delivery of violation events to
// pluggable sinks. Record never blocks the request path: a full buffer
// drops the event and counts the drop.

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sink receives delivered events. Implementations must be safe for use
// from the single delivery goroutine.
type Sink interface {
	Write(ctx context.Context, ev Event)
}

// RecorderConfig configures the violation recorder.
type RecorderConfig struct {
	BufferSize    int                `json:"buffer_size"`
	DeliveryRate  rate.Limit         `json:"delivery_rate"`  // events per second, 0 = unthrottled
	DeliveryBurst int                `json:"delivery_burst"` //
	Logger        *zap.SugaredLogger `json:"-"`
}

// Recorder fans events out to sinks from a single delivery goroutine.
type Recorder struct {
	ch      chan Event
	sinks   []Sink
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	recorded int64
	dropped  int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder creates and starts a recorder delivering to the given sinks.
func NewRecorder(config *RecorderConfig, sinks ...Sink) *Recorder {
	if config == nil {
		config = &RecorderConfig{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if config.DeliveryRate > 0 {
		burst := config.DeliveryBurst
		if burst <= 0 {
			burst = int(config.DeliveryRate)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(config.DeliveryRate, burst)
	}

	r := &Recorder{
		ch:      make(chan Event, config.BufferSize),
		sinks:   sinks,
		limiter: limiter,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go r.deliver()
	return r
}

// Record enqueues an event for delivery. Never blocks.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case r.ch <- ev:
		atomic.AddInt64(&r.recorded, 1)
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

func (r *Recorder) deliver() {
	ctx := context.Background()
	for {
		select {
		case ev := <-r.ch:
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return
				}
			}
			for _, sink := range r.sinks {
				sink.Write(ctx, ev)
			}
		case <-r.done:
			// drain what is already buffered, then stop
			for {
				select {
				case ev := <-r.ch:
					for _, sink := range r.sinks {
						sink.Write(ctx, ev)
					}
				default:
					return
				}
			}
		}
	}
}

// Recorded returns the number of events accepted into the buffer.
func (r *Recorder) Recorded() int64 {
	return atomic.LoadInt64(&r.recorded)
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close stops delivery after draining the buffer.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink logging each event at warn level.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, ev Event) {
	s.logger.Warnw("security event",
		"type", string(ev.Type),
		"reason", ev.Reason,
		"severity", string(ev.Severity),
		"client", ev.ClientKey,
		"request_id", ev.RequestID,
	)
}

// MemorySink retains the most recent N events for in-process inspection.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
	max    int
	next   int
	filled bool
}

// NewMemorySink creates a bounded in-memory sink.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 100
	}
	return &MemorySink{
		events: make([]Event, max),
		max:    max,
	}
}

func (s *MemorySink) Write(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[s.next] = ev
	s.next = (s.next + 1) % s.max
	if s.next == 0 {
		s.filled = true
	}
}

// Recent returns the retained events, oldest first.
func (s *MemorySink) Recent() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filled {
		out := make([]Event, s.next)
		copy(out, s.events[:s.next])
		return out
	}
	out := make([]Event, 0, s.max)
	out = append(out, s.events[s.next:]...)
	out = append(out, s.events[:s.next]...)
	return out
}
