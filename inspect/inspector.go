// inspector.go
// Purpose: stateless request-security analysis. Every check is pure aside
// from sanitization, which mutates the validated request in place before it
// is forwarded downstream.

package inspect

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/researchly/gateway/events"
)

// Config configures the threat inspector.
type Config struct {
	MaxBodyBytes   int64            `json:"max_body_bytes"`
	MaxURLLength   int              `json:"max_url_length"`
	MaxHeaderBytes int              `json:"max_header_bytes"`
	AllowedOrigins []string         `json:"allowed_origins"`
	Signatures     []Signature      `json:"-"`
	Schemas        []EndpointSchema `json:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBodyBytes:   10 * 1024 * 1024, // 10 MiB
		MaxURLLength:   2048,
		MaxHeaderBytes: 8192,
		Signatures:     DefaultSignatures(),
		Schemas:        DefaultSchemas(),
	}
}

// Result is the inspector's verdict. When Valid is false, Type, Status and
// Reason describe the rejection; Reason names a threat family at most,
// never the matched pattern.
type Result struct {
	Valid  bool
	Type   events.ViolationType
	Family ThreatFamily
	Reason string
	Status int
}

func pass() Result { return Result{Valid: true} }

func reject(t events.ViolationType, status int, reason string) Result {
	return Result{Type: t, Status: status, Reason: reason}
}

// Inspector analyzes inbound requests against the configured signature
// table, schemas, and shape limits. It keeps no per-request state and is
// safe for concurrent use.
type Inspector struct {
	config  *Config
	origins map[string]bool
}

// NewInspector creates an inspector; nil config uses defaults.
func NewInspector(config *Config) *Inspector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 10 * 1024 * 1024
	}
	if config.MaxURLLength <= 0 {
		config.MaxURLLength = 2048
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = 8192
	}
	if config.Signatures == nil {
		config.Signatures = DefaultSignatures()
	}
	if config.Schemas == nil {
		config.Schemas = DefaultSchemas()
	}

	origins := make(map[string]bool, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		origins[strings.TrimSuffix(o, "/")] = true
	}

	return &Inspector{config: config, origins: origins}
}

// Inspect runs every check in order: shape limits, user agent, CORS,
// threat signatures, endpoint schema, then in-place sanitization.
func (in *Inspector) Inspect(c *gin.Context) Result {
	req := c.Request

	// Shape limits first: oversized input is rejected before any parsing.
	if req.ContentLength > in.config.MaxBodyBytes {
		return reject(events.RequestTooLarge, http.StatusRequestEntityTooLarge, "request body exceeds the allowed size")
	}
	if len(req.URL.RequestURI()) > in.config.MaxURLLength {
		return reject(events.RequestTooLarge, http.StatusRequestEntityTooLarge, "request URL exceeds the allowed length")
	}
	if headerSize(req.Header) > in.config.MaxHeaderBytes {
		return reject(events.RequestTooLarge, http.StatusRequestEntityTooLarge, "request headers exceed the allowed size")
	}

	if res := in.checkUserAgent(c); !res.Valid {
		return res
	}
	if res := in.checkOrigin(c); !res.Valid {
		return res
	}

	body, err := readBody(req, in.config.MaxBodyBytes)
	if err != nil {
		return reject(events.RequestTooLarge, http.StatusRequestEntityTooLarge, "request body exceeds the allowed size")
	}

	if res := in.scanSignatures(req, body); !res.Valid {
		return res
	}

	decoded, isJSON := decodeJSONBody(req, body)
	if isJSON {
		if res := in.checkSchema(req, decoded); !res.Valid {
			return res
		}
	}

	in.sanitizeRequest(req, body, decoded, isJSON)
	return pass()
}

func (in *Inspector) checkUserAgent(c *gin.Context) Result {
	ua := c.GetHeader("User-Agent")

	if ua != "" && botAgentPattern.MatchString(ua) {
		return reject(events.SuspiciousUserAgent, http.StatusForbidden, "automated client detected")
	}

	// A browser-shaped request (asking for HTML) with no user agent at
	// all is not produced by any legitimate client.
	if ua == "" && strings.Contains(c.GetHeader("Accept"), "text/html") {
		return reject(events.SuspiciousUserAgent, http.StatusForbidden, "missing user agent")
	}

	return pass()
}

func (in *Inspector) checkOrigin(c *gin.Context) Result {
	origin := c.GetHeader("Origin")
	if origin == "" {
		// Non-browser clients send no Origin; always permitted.
		return pass()
	}
	if in.origins["*"] || in.origins[strings.TrimSuffix(origin, "/")] {
		return pass()
	}
	return reject(events.CORSViolation, http.StatusForbidden, "origin not allowed")
}

// scanSignatures checks every signature against the request fields it
// targets: raw URL, decoded query, body bytes, and serialized headers.
func (in *Inspector) scanSignatures(req *http.Request, body []byte) Result {
	rawURL := req.URL.RequestURI()
	query := serializeQuery(req.URL.Query())
	headers := serializeHeaders(req.Header)

	for _, sig := range in.config.Signatures {
		if sig.Targets&TargetURL != 0 && sig.Pattern.MatchString(rawURL) {
			return in.threat(sig.Family)
		}
		if sig.Targets&TargetQuery != 0 && query != "" && sig.Pattern.MatchString(query) {
			return in.threat(sig.Family)
		}
		if sig.Targets&TargetBody != 0 && len(body) > 0 && sig.Pattern.Match(body) {
			return in.threat(sig.Family)
		}
		if sig.Targets&TargetHeaders != 0 && sig.Pattern.MatchString(headers) {
			return in.threat(sig.Family)
		}
	}
	return pass()
}

func (in *Inspector) threat(family ThreatFamily) Result {
	res := reject(events.SecurityThreatDetected, http.StatusForbidden,
		"request matched a "+familyLabel(family)+" signature")
	res.Family = family
	return res
}

func familyLabel(family ThreatFamily) string {
	switch family {
	case FamilySQLInjection:
		return "SQL injection"
	case FamilyXSS:
		return "cross-site scripting"
	case FamilyPathTraversal:
		return "path traversal"
	default:
		return "threat"
	}
}

func (in *Inspector) checkSchema(req *http.Request, body map[string]interface{}) Result {
	for _, schema := range in.config.Schemas {
		if !schema.matches(req.Method, req.URL.Path) {
			continue
		}
		if err := schema.validate(body); err != nil {
			return reject(events.InputValidationFailed, http.StatusBadRequest, err.Error())
		}
		break
	}
	return pass()
}

// sanitizeRequest rewrites the query string and body with sanitized
// values. The downstream handler sees only sanitized input.
func (in *Inspector) sanitizeRequest(req *http.Request, body []byte, decoded map[string]interface{}, isJSON bool) {
	if rawQuery := req.URL.RawQuery; rawQuery != "" {
		values := req.URL.Query()
		changed := false
		for key, vals := range values {
			for i, v := range vals {
				if clean := SanitizeString(v); clean != v {
					vals[i] = clean
					changed = true
				}
			}
			values[key] = vals
		}
		if changed {
			req.URL.RawQuery = values.Encode()
		}
	}

	if isJSON && decoded != nil {
		SanitizeValue(decoded)
		if clean, err := json.Marshal(decoded); err == nil {
			req.Body = io.NopCloser(bytes.NewReader(clean))
			req.ContentLength = int64(len(clean))
		}
	} else if len(body) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
}

func headerSize(h http.Header) int {
	size := 0
	for name, values := range h {
		size += len(name)
		for _, v := range values {
			size += len(v)
		}
	}
	return size
}

// readBody consumes the request body (bounded) and leaves a replayable
// copy behind so later stages and the downstream handler can read it.
func readBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, io.ErrShortBuffer
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func decodeJSONBody(req *http.Request, body []byte) (map[string]interface{}, bool) {
	if len(body) == 0 {
		return nil, false
	}
	if !strings.Contains(req.Header.Get("Content-Type"), "application/json") {
		return nil, false
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// serializeQuery flattens decoded query values for signature scanning, in
// stable order so scans are deterministic.
func serializeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func serializeHeaders(h http.Header) string {
	var b strings.Builder
	for name, values := range h {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte('\n')
	}
	return b.String()
}
