// responses.go
// Purpose: the rejection response bodies. Field names are part of the
// public API contract and must not drift.

package gateway

// RateLimitInfo summarizes the caller's window state.
type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// RateLimitRejection is the 429 response body.
type RateLimitRejection struct {
	Success       bool          `json:"success"`
	Error         string        `json:"error"`
	Message       string        `json:"message"`
	RetryAfter    int           `json:"retryAfter"`
	ResetTime     int64         `json:"resetTime"`
	RateLimitInfo RateLimitInfo `json:"rateLimitInfo"`
}

// SecurityRejection is the body for security-violation rejections. The
// message never discloses the matched signature.
type SecurityRejection struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}
