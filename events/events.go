// events.go
// Purpose: event and severity types shared by the admission engine, the
// threat inspector, and the gateway middleware.

package events

import "time"

// ViolationType names the kinds of security and rate events the gateway
// produces.
type ViolationType string

const (
	RateLimitExceeded      ViolationType = "rate_limit_exceeded"
	DDoSProtectionTrigger  ViolationType = "ddos_protection_triggered"
	InputValidationFailed  ViolationType = "input_validation_failed"
	SecurityThreatDetected ViolationType = "security_threat_detected"
	SuspiciousUserAgent    ViolationType = "suspicious_user_agent"
	CORSViolation          ViolationType = "cors_violation"
	RequestTooLarge        ViolationType = "request_too_large"
	InfrastructureFailure  ViolationType = "infrastructure_failure"
)

// Severity classifies an event for downstream alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one security or rate occurrence, delivered fire-and-forget to
// the configured sinks.
type Event struct {
	Type      ViolationType     `json:"type"`
	Reason    string            `json:"reason"`
	Severity  Severity          `json:"severity"`
	ClientKey string            `json:"client_key,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
