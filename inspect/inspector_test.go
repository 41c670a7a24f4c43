package inspect

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchly/gateway/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func inspectRequest(in *Inspector, req *http.Request) Result {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return in.Inspect(c)
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	return req
}

func TestInspector_CleanRequestPasses(t *testing.T) {
	in := NewInspector(nil)

	req := jsonRequest("POST", "/api/studies", `{"title":"Sleep study","compensation":25}`)
	res := inspectRequest(in, req)
	assert.True(t, res.Valid)
}

func TestInspector_ThreatSignatures(t *testing.T) {
	in := NewInspector(nil)

	tests := []struct {
		name   string
		req    *http.Request
		family ThreatFamily
	}{
		{
			name:   "sql injection in query",
			req:    jsonRequest("GET", "/api/studies?id=1%20UNION%20SELECT%20password%20FROM%20users", ""),
			family: FamilySQLInjection,
		},
		{
			name:   "sql tautology in body",
			req:    jsonRequest("POST", "/api/other", `{"filter":"' OR 1=1 --"}`),
			family: FamilySQLInjection,
		},
		{
			name:   "script tag in body",
			req:    jsonRequest("POST", "/api/other", `{"bio":"<script>alert(1)</script>"}`),
			family: FamilyXSS,
		},
		{
			name:   "javascript url in query",
			req:    jsonRequest("GET", "/api/other?next=javascript:alert(1)", ""),
			family: FamilyXSS,
		},
		{
			name:   "dot dot traversal in path",
			req:    jsonRequest("GET", "/api/files/../../etc/passwd", ""),
			family: FamilyPathTraversal,
		},
		{
			name:   "encoded traversal in query",
			req:    jsonRequest("GET", "/api/files?path=%2e%2e%2fsecret", ""),
			family: FamilyPathTraversal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := inspectRequest(in, tt.req)
			require.False(t, res.Valid)
			assert.Equal(t, events.SecurityThreatDetected, res.Type)
			assert.Equal(t, http.StatusForbidden, res.Status)
			assert.Equal(t, tt.family, res.Family)
			// The reason names the family, never the pattern.
			assert.NotContains(t, res.Reason, "regexp")
		})
	}
}

func TestInspector_UserAgentChecks(t *testing.T) {
	in := NewInspector(nil)

	req := httptest.NewRequest("GET", "/api/studies", nil)
	req.Header.Set("User-Agent", "python-requests/2.31")
	res := inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.SuspiciousUserAgent, res.Type)
	assert.Equal(t, http.StatusForbidden, res.Status)

	// Browser-shaped request with no user agent at all.
	req = httptest.NewRequest("GET", "/api/studies", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	res = inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.SuspiciousUserAgent, res.Type)

	// API clients without a user agent are fine.
	req = httptest.NewRequest("GET", "/api/studies", nil)
	req.Header.Set("Accept", "application/json")
	assert.True(t, inspectRequest(in, req).Valid)
}

func TestInspector_OriginChecks(t *testing.T) {
	in := NewInspector(&Config{AllowedOrigins: []string{"https://app.example.com"}})

	// No Origin header: non-browser client, always permitted.
	req := jsonRequest("GET", "/api/studies", "")
	assert.True(t, inspectRequest(in, req).Valid)

	req = jsonRequest("GET", "/api/studies", "")
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, inspectRequest(in, req).Valid)

	req = jsonRequest("GET", "/api/studies", "")
	req.Header.Set("Origin", "https://evil.example.net")
	res := inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.CORSViolation, res.Type)
	assert.Equal(t, http.StatusForbidden, res.Status)

	wild := NewInspector(&Config{AllowedOrigins: []string{"*"}})
	req = jsonRequest("GET", "/api/studies", "")
	req.Header.Set("Origin", "https://anything.example.org")
	assert.True(t, inspectRequest(wild, req).Valid)
}

func TestInspector_SizeLimits(t *testing.T) {
	in := NewInspector(&Config{MaxBodyBytes: 64, MaxURLLength: 40, MaxHeaderBytes: 200})

	req := jsonRequest("POST", "/api/x", `{"data":"`+strings.Repeat("a", 100)+`"}`)
	res := inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.RequestTooLarge, res.Type)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.Status)

	req = jsonRequest("GET", "/api/x?q="+strings.Repeat("a", 60), "")
	res = inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.RequestTooLarge, res.Type)

	req = jsonRequest("GET", "/api/x", "")
	req.Header.Set("X-Filler", strings.Repeat("a", 300))
	res = inspectRequest(in, req)
	require.False(t, res.Valid)
	assert.Equal(t, events.RequestTooLarge, res.Type)
}

func TestInspector_SchemaValidation(t *testing.T) {
	in := NewInspector(nil)

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid login", `{"email":"a@example.com","password":"supersecret"}`, true},
		{"missing password", `{"email":"a@example.com"}`, false},
		{"short password", `{"email":"a@example.com","password":"short"}`, false},
		{"wrong type", `{"email":42,"password":"supersecret"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := inspectRequest(in, jsonRequest("POST", "/api/auth/login", tt.body))
			if tt.ok {
				assert.True(t, res.Valid)
				return
			}
			require.False(t, res.Valid)
			assert.Equal(t, events.InputValidationFailed, res.Type)
			assert.Equal(t, http.StatusBadRequest, res.Status)
		})
	}
}

func TestInspector_SanitizesBodyInPlace(t *testing.T) {
	in := NewInspector(nil)

	req := jsonRequest("POST", "/api/studies", `{"title":"Sleep <b>study</b>","description":"plain"}`)
	res := inspectRequest(in, req)
	require.True(t, res.Valid)

	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "Sleep study", body["title"])
	assert.Equal(t, "plain", body["description"])
}

func TestInspector_SanitizesQueryInPlace(t *testing.T) {
	in := NewInspector(nil)

	req := jsonRequest("GET", "/api/studies?q=%3Cb%3Esleep%3C%2Fb%3E", "")
	res := inspectRequest(in, req)
	require.True(t, res.Valid)

	assert.Equal(t, "sleep", req.URL.Query().Get("q"))
}

func TestInspector_BodyReplayableAfterInspection(t *testing.T) {
	in := NewInspector(nil)

	payload := `{"title":"Sleep study"}`
	req := jsonRequest("POST", "/api/studies", payload)
	require.True(t, inspectRequest(in, req).Valid)

	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(data))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"<script>alert(1)</script>", "alert(1)"},
		{"javascript:alert(1)", "alert(1)"},
		{"java	script:alert(1)", "java\tscript:alert(1)"},
		{`He said "hi" <b>there</b>`, "He said hi there"},
		{"jajavascript:vascript:alert(1)", "alert(1)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeString(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"<script>alert('x')</script>",
		"javascript:data:vbscript:payload",
		"nested <div <span>> tags",
		`quotes '"' and <angles>`,
	}
	for _, s := range inputs {
		once := SanitizeString(s)
		assert.Equal(t, once, SanitizeString(once), "input %q", s)
	}
}

func TestSanitizeValueRecurses(t *testing.T) {
	v := map[string]interface{}{
		"title": "<b>x</b>",
		"tags":  []interface{}{"<i>a</i>", "b"},
		"meta":  map[string]interface{}{"note": "javascript:x"},
		"count": float64(3),
		"flag":  true,
		"none":  nil,
	}

	SanitizeValue(v)

	assert.Equal(t, "x", v["title"])
	assert.Equal(t, []interface{}{"a", "b"}, v["tags"])
	assert.Equal(t, "x", v["meta"].(map[string]interface{})["note"])
	assert.Equal(t, float64(3), v["count"])
	assert.Equal(t, true, v["flag"])
}
