package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/researchly/gateway/events"
	"github.com/researchly/gateway/storage"
)

var testSecret = []byte("test-signing-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeClock advances a fixed step per observation so bursts spread out
// instead of landing inside one wall-clock second.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

type GatewaySuite struct {
	suite.Suite

	store    *storage.MemoryStore
	sink     *events.MemorySink
	recorder *events.Recorder
	gw       *Gateway
	router   *gin.Engine
	clock    *fakeClock
}

func (s *GatewaySuite) SetupTest() {
	s.store = storage.NewMemoryStore(nil)
	s.sink = events.NewMemorySink(100)
	s.recorder = events.NewRecorder(nil, s.sink)

	opts := DefaultOptions()
	opts.AllowedOrigins = []string{"https://app.example.com"}
	opts.TokenSecret = testSecret
	opts.Recorder = s.recorder
	s.gw = New(s.store, opts)

	s.clock = &fakeClock{now: time.Now(), step: 150 * time.Millisecond}
	s.gw.now = s.clock.Now

	s.router = gin.New()
	s.router.Use(s.gw.Handler())
	s.router.POST("/api/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	s.router.GET("/api/studies", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	s.router.GET("/api/payments/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}

func (s *GatewaySuite) TearDownTest() {
	s.recorder.Close()
	s.store.Close()
}

func (s *GatewaySuite) perform(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *GatewaySuite) loginRequest(body string) *http.Request {
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.RemoteAddr = "10.1.2.3:51000"
	return req
}

func (s *GatewaySuite) getRequest(target string) *http.Request {
	req := httptest.NewRequest("GET", target, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.RemoteAddr = "10.1.2.3:51000"
	return req
}

func validLogin() string {
	return `{"email":"user@example.com","password":"supersecret"}`
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) TestAuthWindowExhaustion() {
	// The auth override allows 10 requests per 15 minutes for free-tier
	// anonymous callers.
	for i := 0; i < 10; i++ {
		w := s.perform(s.loginRequest(validLogin()))
		s.Require().Equal(http.StatusOK, w.Code, "request %d", i+1)
		s.Equal("10", w.Header().Get("X-RateLimit-Limit"))
	}

	w := s.perform(s.loginRequest(validLogin()))
	s.Require().Equal(http.StatusTooManyRequests, w.Code)
	s.Equal("0", w.Header().Get("X-RateLimit-Remaining"))
	s.NotEmpty(w.Header().Get("Retry-After"))
	s.NotEmpty(w.Header().Get("X-RateLimit-Reset"))

	var body RateLimitRejection
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.False(body.Success)
	s.NotEmpty(body.Message)
	s.Equal(10, body.RateLimitInfo.Limit)
	s.Equal(0, body.RateLimitInfo.Remaining)
	// The slot frees roughly one window after the first request.
	s.InDelta(899, body.RetryAfter, 3)
}

func (s *GatewaySuite) TestRejectionsDoNotConsumeQuota() {
	// A flood of threat rejections must not count against the window.
	for i := 0; i < 20; i++ {
		w := s.perform(s.loginRequest(`{"email":"' OR 1=1 --","password":"supersecret"}`))
		s.Require().Equal(http.StatusForbidden, w.Code)
	}

	w := s.perform(s.loginRequest(validLogin()))
	s.Equal(http.StatusOK, w.Code)
	s.Equal("9", w.Header().Get("X-RateLimit-Remaining"))
}

func (s *GatewaySuite) TestSecurityHeadersOnEveryResponse() {
	allowed := s.perform(s.getRequest("/api/studies"))
	rejected := s.perform(s.getRequest("/api/studies?id=1%20UNION%20SELECT%20x%20FROM%20y"))

	for _, w := range []*httptest.ResponseRecorder{allowed, rejected} {
		s.Equal("DENY", w.Header().Get("X-Frame-Options"))
		s.Equal("nosniff", w.Header().Get("X-Content-Type-Options"))
		s.NotEmpty(w.Header().Get("Content-Security-Policy"))
		s.NotEmpty(w.Header().Get("Strict-Transport-Security"))
		s.NotEmpty(w.Header().Get("X-Request-ID"))
	}
	s.Equal(http.StatusOK, allowed.Code)
	s.Equal(http.StatusForbidden, rejected.Code)
}

func (s *GatewaySuite) TestThreatRejectionBody() {
	w := s.perform(s.getRequest("/api/studies?q=<script>alert(1)</script>"))
	s.Require().Equal(http.StatusForbidden, w.Code)

	var body SecurityRejection
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.False(body.Success)
	s.Equal("Security policy violation", body.Error)
	s.NotEmpty(body.Message)
	s.Equal(w.Header().Get("X-Request-ID"), body.RequestID)
	// Rejection messages never echo the matched input.
	s.NotContains(body.Message, "alert(1)")
}

func (s *GatewaySuite) TestBotUserAgentRejected() {
	req := s.getRequest("/api/studies")
	req.Header.Set("User-Agent", "curl/8.4.0")
	w := s.perform(req)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *GatewaySuite) TestCORSRejection() {
	req := s.getRequest("/api/studies")
	req.Header.Set("Origin", "https://evil.example.net")
	w := s.perform(req)
	s.Equal(http.StatusForbidden, w.Code)

	req = s.getRequest("/api/studies")
	req.Header.Set("Origin", "https://app.example.com")
	w = s.perform(req)
	s.Equal(http.StatusOK, w.Code)
}

func (s *GatewaySuite) TestSchemaRejection() {
	w := s.perform(s.loginRequest(`{"email":"user@example.com"}`))
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *GatewaySuite) TestAuthenticatedTierRaisesLimit() {
	tok, err := jwt.NewBuilder().
		Subject("researcher-7").
		Claim("role", "researcher").
		Claim("tier", "enterprise").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	s.Require().NoError(err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	s.Require().NoError(err)

	req := s.getRequest("/api/studies")
	req.Header.Set("Authorization", "Bearer "+string(signed))
	w := s.perform(req)

	s.Require().Equal(http.StatusOK, w.Code)
	// Studies override (200) scaled by the enterprise multiplier (10x).
	s.Equal("2000", w.Header().Get("X-RateLimit-Limit"))
}

func (s *GatewaySuite) TestInvalidTokenDegradesToAnonymous() {
	req := s.getRequest("/api/studies")
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := s.perform(req)

	s.Require().Equal(http.StatusOK, w.Code)
	// Anonymous free tier on the studies override.
	s.Equal("200", w.Header().Get("X-RateLimit-Limit"))
}

func (s *GatewaySuite) TestViolationsRecorded() {
	s.perform(s.getRequest("/api/studies?q=<script>alert(1)</script>"))
	s.recorder.Close()

	s.Require().Eventually(func() bool {
		return len(s.sink.Recent()) > 0
	}, time.Second, 5*time.Millisecond)

	ev := s.sink.Recent()[0]
	s.Equal(events.SecurityThreatDetected, ev.Type)
	s.NotEmpty(ev.RequestID)
	s.Equal("/api/studies", ev.Metadata["path"])
}

func TestGateway_Disabled(t *testing.T) {
	opts := DefaultOptions()
	opts.Enabled = false
	store := storage.NewMemoryStore(nil)
	defer store.Close()
	gw := New(store, opts)

	router := gin.New()
	router.Use(gw.Handler())
	router.GET("/api/studies", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/api/studies", nil)
	req.Header.Set("User-Agent", "curl/8.4.0") // would be rejected if enabled
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// unavailableStore fails every counter operation.
type unavailableStore struct{ storage.CounterStore }

func newUnavailableStore() *unavailableStore {
	return &unavailableStore{}
}

func (u *unavailableStore) Slide(ctx context.Context, key string, args storage.SlideArgs) (*storage.SlideResult, error) {
	return nil, fmt.Errorf("store down")
}

func (u *unavailableStore) PatternCount(ctx context.Context, key string) (int64, error) {
	return 0, fmt.Errorf("store down")
}

func (u *unavailableStore) IncrPattern(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, fmt.Errorf("store down")
}

func (u *unavailableStore) ResetPattern(ctx context.Context, key string) error {
	return fmt.Errorf("store down")
}

func (u *unavailableStore) Ping(ctx context.Context) error { return fmt.Errorf("store down") }
func (u *unavailableStore) Close() error                   { return nil }
func (u *unavailableStore) Type() storage.StoreType        { return storage.RedisStoreType }
func (u *unavailableStore) Info() storage.StoreInfo        { return storage.StoreInfo{} }

func TestGateway_FailOpenAndFailClosed(t *testing.T) {
	opts := DefaultOptions()
	opts.FailClosedPaths = []string{"/api/payments"}
	gw := New(newUnavailableStore(), opts)

	router := gin.New()
	router.Use(gw.Handler())
	router.GET("/api/studies", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/payments/history", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Ordinary endpoints fail open.
	req := httptest.NewRequest("GET", "/api/studies", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Sensitive paths fail closed.
	req = httptest.NewRequest("GET", "/api/payments/history", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGateway_OverloadBrake(t *testing.T) {
	opts := DefaultOptions()
	opts.OverloadRate = 1
	opts.OverloadBurst = 2
	store := storage.NewMemoryStore(nil)
	defer store.Close()
	gw := New(store, opts)

	router := gin.New()
	router.Use(gw.Handler())
	router.GET("/api/studies", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make(map[int]int)
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/api/studies", nil)
		req.Header.Set("User-Agent", "Mozilla/5.0")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes[w.Code]++
	}

	require.GreaterOrEqual(t, codes[http.StatusOK], 2)
	assert.Greater(t, codes[http.StatusServiceUnavailable], 0)
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("10.0.0.1", "Mozilla/5.0")
	b := Fingerprint("10.0.0.1", "Mozilla/5.0")
	c := Fingerprint("10.0.0.2", "Mozilla/5.0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "anon:"))
}

func TestBuildCSP(t *testing.T) {
	csp := buildCSP([]string{"https://app.example.com"})
	assert.Contains(t, csp, "connect-src 'self' https://app.example.com")

	wild := buildCSP([]string{"*"})
	assert.Contains(t, wild, "connect-src *")
}
