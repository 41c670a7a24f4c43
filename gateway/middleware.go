// middleware.go
// Purpose: the gin middleware tying the pieces together. Order per request:
// security headers, overload brake, threat inspection, identity resolution,
// policy resolution, admission check, then forward or reject.

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/researchly/gateway/admission"
	"github.com/researchly/gateway/events"
	"github.com/researchly/gateway/inspect"
	"github.com/researchly/gateway/policy"
	"github.com/researchly/gateway/storage"
)

// Options configures the gateway middleware.
type Options struct {
	// Enabled short-circuits the whole gateway when false; every request
	// is forwarded untouched.
	Enabled bool `json:"enabled"`

	// SkipOnError forwards the request when the gateway itself panics or
	// misbehaves instead of returning a 500.
	SkipOnError bool `json:"skip_on_error"`

	// AllowedOrigins feed both the CORS check and the CSP header.
	AllowedOrigins []string `json:"allowed_origins"`

	// FailClosedPaths are path prefixes that must NOT be served when the
	// counter store is down. Everything else fails open.
	FailClosedPaths []string `json:"fail_closed_paths"`

	// OverloadRate caps total gateway throughput before any store I/O.
	// Zero disables the brake.
	OverloadRate  rate.Limit `json:"overload_rate"`
	OverloadBurst int        `json:"overload_burst"`

	// TokenSecret enables bearer-token identity resolution when set.
	TokenSecret []byte `json:"-"`

	Thresholds admission.Thresholds `json:"thresholds"`

	Inspector *inspect.Config    `json:"inspector"`
	Recorder  *events.Recorder   `json:"-"`
	Resolver  *policy.Resolver   `json:"-"`
	Logger    *zap.SugaredLogger `json:"-"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		FailClosedPaths: []string{"/api/payments"},
		Thresholds:      admission.DefaultThresholds(),
	}
}

// Gateway is the request-admission middleware. One instance serves a
// router; all state lives in the engine's store and the recorder.
type Gateway struct {
	enabled         bool
	skipOnError     bool
	failClosedPaths []string
	csp             string

	tokens    TokenResolver
	resolver  *policy.Resolver
	engine    *admission.Engine
	inspector *inspect.Inspector
	recorder  *events.Recorder
	overload  *rate.Limiter
	logger    *zap.SugaredLogger

	now func() time.Time
}

// New creates a gateway backed by the given counter store.
func New(store storage.CounterStore, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = policy.NewResolver()
	}

	inspectorCfg := opts.Inspector
	if inspectorCfg == nil {
		inspectorCfg = inspect.DefaultConfig()
	}
	if inspectorCfg.AllowedOrigins == nil {
		inspectorCfg.AllowedOrigins = opts.AllowedOrigins
	}

	var overload *rate.Limiter
	if opts.OverloadRate > 0 {
		burst := opts.OverloadBurst
		if burst <= 0 {
			burst = int(opts.OverloadRate)
			if burst < 1 {
				burst = 1
			}
		}
		overload = rate.NewLimiter(opts.OverloadRate, burst)
	}

	var tokens TokenResolver
	if len(opts.TokenSecret) > 0 {
		tokens = NewJWTResolver(opts.TokenSecret)
	}

	return &Gateway{
		enabled:         opts.Enabled,
		skipOnError:     opts.SkipOnError,
		failClosedPaths: opts.FailClosedPaths,
		csp:             buildCSP(opts.AllowedOrigins),
		tokens:          tokens,
		resolver:        resolver,
		engine:          admission.NewEngine(store, opts.Thresholds, opts.Recorder, logger),
		inspector:       inspect.NewInspector(inspectorCfg),
		recorder:        opts.Recorder,
		overload:        overload,
		logger:          logger,
		now:             time.Now,
	}
}

// Engine exposes the admission engine for stats endpoints.
func (g *Gateway) Engine() *admission.Engine { return g.engine }

// Handler returns the middleware.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.enabled {
			c.Next()
			return
		}

		requestID := g.applySecurityHeaders(c)

		if g.overload != nil && !g.overload.Allow() {
			requestsTotal.WithLabelValues("shed").Inc()
			c.Header(headerRetryAfter, "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, SecurityRejection{
				Error:     "Service overloaded",
				Message:   "The service is shedding load, retry shortly.",
				RequestID: requestID,
			})
			return
		}

		proceed := g.evaluate(c, requestID)
		if proceed {
			requestsTotal.WithLabelValues("allowed").Inc()
			c.Next()
		}
	}
}

// evaluate runs inspection and admission. A panic inside the gateway must
// never take the request down with it: SkipOnError forwards, otherwise the
// caller gets a 500.
func (g *Gateway) evaluate(c *gin.Context, requestID string) (proceed bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorw("gateway panic", "recovered", r, "path", c.Request.URL.Path)
			requestsTotal.WithLabelValues("error").Inc()
			if g.skipOnError {
				proceed = true
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, SecurityRejection{
				Error:     "Internal error",
				Message:   "The request could not be evaluated.",
				RequestID: requestID,
			})
		}
	}()

	if res := g.inspector.Inspect(c); !res.Valid {
		g.rejectSecurity(c, requestID, res)
		return false
	}

	identity := g.resolveIdentity(c)
	endpoint := g.resolver.NormalizeEndpoint(c.Request.URL.Path)
	pol := g.resolver.Resolve(identity.Role, identity.Tier, endpoint)

	dec := g.engine.Check(c.Request.Context(), identity, endpoint, pol, g.now())
	setRateLimitHeaders(c, dec, int(pol.Window.Seconds()))

	if dec.FailedOpen {
		failOpenTotal.Inc()
		if g.failClosed(c.Request.URL.Path) {
			requestsTotal.WithLabelValues("fail_closed").Inc()
			c.AbortWithStatusJSON(http.StatusInternalServerError, SecurityRejection{
				Error:     "Service unavailable",
				Message:   "This endpoint cannot be served right now.",
				RequestID: requestID,
			})
			return false
		}
	}

	if !dec.Allowed {
		g.rejectRateLimit(c, requestID, identity, dec)
		return false
	}
	return true
}

func (g *Gateway) rejectSecurity(c *gin.Context, requestID string, res inspect.Result) {
	requestsTotal.WithLabelValues("rejected").Inc()
	rejectionsTotal.WithLabelValues(string(res.Type)).Inc()
	if res.Family != "" {
		threatsTotal.WithLabelValues(string(res.Family)).Inc()
	}

	if g.recorder != nil {
		severity := events.SeverityMedium
		if res.Type == events.SecurityThreatDetected {
			severity = events.SeverityHigh
		}
		g.recorder.Record(events.Event{
			Type:      res.Type,
			Reason:    res.Reason,
			Severity:  severity,
			ClientKey: Fingerprint(c.ClientIP(), c.GetHeader("User-Agent")),
			RequestID: requestID,
			Metadata: map[string]string{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			},
		})
	}

	c.AbortWithStatusJSON(res.Status, SecurityRejection{
		Error:     "Security policy violation",
		Message:   res.Reason,
		RequestID: requestID,
	})
}

func (g *Gateway) rejectRateLimit(c *gin.Context, requestID string, identity admission.Identity, dec admission.Decision) {
	requestsTotal.WithLabelValues("rejected").Inc()
	rejectionsTotal.WithLabelValues(string(violationFor(dec.Cause))).Inc()

	if g.recorder != nil {
		g.recorder.Record(events.Event{
			Type:      violationFor(dec.Cause),
			Reason:    dec.Reason,
			Severity:  severityFor(dec.Cause),
			ClientKey: identity.ClientKey,
			RequestID: requestID,
			Metadata: map[string]string{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"role":   string(identity.Role),
				"tier":   string(identity.Tier),
			},
		})
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, RateLimitRejection{
		Error:      "Too many requests",
		Message:    dec.Reason,
		RetryAfter: dec.RetryAfter,
		ResetTime:  dec.ResetAt / 1000,
		RateLimitInfo: RateLimitInfo{
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			Reset:     dec.ResetAt / 1000,
		},
	})
}

func (g *Gateway) failClosed(path string) bool {
	for _, prefix := range g.failClosedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func violationFor(cause admission.DenyCause) events.ViolationType {
	switch cause {
	case admission.DenyPerSecond, admission.DenyPerMinute, admission.DenyAuthPattern:
		return events.DDoSProtectionTrigger
	default:
		return events.RateLimitExceeded
	}
}

func severityFor(cause admission.DenyCause) events.Severity {
	switch cause {
	case admission.DenyPerSecond, admission.DenyAuthPattern:
		return events.SeverityHigh
	case admission.DenyPerMinute:
		return events.SeverityMedium
	default:
		return events.SeverityLow
	}
}
