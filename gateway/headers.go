// headers.go
// Purpose: the unconditional security response headers. Applied before any
// decision is made so rejected responses carry them too.

package gateway

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/researchly/gateway/admission"
)

const (
	headerRequestID          = "X-Request-ID"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRateLimitWindow    = "X-RateLimit-Window"
	headerRetryAfter         = "Retry-After"
)

// buildCSP constructs the Content-Security-Policy once at startup; the
// allowed origins extend connect-src so browser clients can reach the API.
func buildCSP(allowedOrigins []string) string {
	connectSrc := "'self'"
	for _, o := range allowedOrigins {
		if o == "*" {
			connectSrc = "*"
			break
		}
		connectSrc += " " + strings.TrimSuffix(o, "/")
	}
	return "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; connect-src " + connectSrc + "; " +
		"object-src 'none'; frame-ancestors 'none'; base-uri 'self'"
}

// applySecurityHeaders sets the unconditional headers and generates the
// request id. Returns the id for event correlation.
func (g *Gateway) applySecurityHeaders(c *gin.Context) string {
	requestID := uuid.NewString()

	c.Header("X-Frame-Options", "DENY")
	c.Header("X-XSS-Protection", "1; mode=block")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
	c.Header("Content-Security-Policy", g.csp)
	c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	c.Header(headerRequestID, requestID)

	return requestID
}

// setRateLimitHeaders reports window state on every admission-evaluated
// response; Retry-After only accompanies rejections.
func setRateLimitHeaders(c *gin.Context, dec admission.Decision, windowSeconds int) {
	c.Header(headerRateLimitLimit, strconv.Itoa(dec.Limit))
	c.Header(headerRateLimitRemaining, strconv.Itoa(dec.Remaining))
	c.Header(headerRateLimitReset, strconv.FormatInt(dec.ResetAt/1000, 10))
	c.Header(headerRateLimitWindow, strconv.Itoa(windowSeconds))

	if !dec.Allowed && dec.RetryAfter > 0 {
		c.Header(headerRetryAfter, strconv.Itoa(dec.RetryAfter))
	}
}
