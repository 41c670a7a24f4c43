// signatures.go
// Purpose: the declarative threat-signature table. Signatures are data, not
// control flow: each entry names its family, the compiled pattern, and the
// request fields it applies to, so the set is testable in isolation and
// extensible without touching the inspector.

package inspect

import "regexp"

// ThreatFamily names a class of attack signature. Rejection reasons name
// the family only, never the matched pattern.
type ThreatFamily string

const (
	FamilySQLInjection  ThreatFamily = "sql_injection"
	FamilyXSS           ThreatFamily = "xss"
	FamilyPathTraversal ThreatFamily = "path_traversal"
)

// Target selects which serialized request fields a signature scans.
type Target int

const (
	TargetURL Target = 1 << iota
	TargetQuery
	TargetBody
	TargetHeaders
)

// Signature is one declarative threat pattern.
type Signature struct {
	Family  ThreatFamily
	Pattern *regexp.Regexp
	Targets Target
}

// DefaultSignatures returns the built-in signature set.
func DefaultSignatures() []Signature {
	return []Signature{
		// SQL injection: keywords combined with operators or comment tokens.
		{
			Family:  FamilySQLInjection,
			Pattern: regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+.+\s+from|insert\s+into|drop\s+(table|database)|delete\s+from|update\s+\S+\s+set|truncate\s+table)\b`),
			Targets: TargetURL | TargetQuery | TargetBody,
		},
		{
			Family:  FamilySQLInjection,
			Pattern: regexp.MustCompile(`(?i)('\s*(or|and)\s+['\d]|'\s*;|--\s|/\*.*\*/|\bor\s+1\s*=\s*1\b|\bsleep\s*\(|\bbenchmark\s*\()`),
			Targets: TargetURL | TargetQuery | TargetBody,
		},
		// XSS: script tags, javascript: URLs, inline handlers, iframes.
		{
			Family:  FamilyXSS,
			Pattern: regexp.MustCompile(`(?i)(<script[^>]*>|</script>|javascript\s*:|vbscript\s*:|on(load|error|click|mouseover|focus|submit)\s*=|<iframe[^>]*>|<object[^>]*>|<embed[^>]*>)`),
			Targets: TargetURL | TargetQuery | TargetBody | TargetHeaders,
		},
		{
			Family:  FamilyXSS,
			Pattern: regexp.MustCompile(`(?i)(document\.(cookie|location|write)|window\.location|eval\s*\(|expression\s*\(|data:text/html)`),
			Targets: TargetQuery | TargetBody,
		},
		// Path traversal: dot-dot sequences (plain and encoded) and
		// well-known sensitive paths.
		{
			Family:  FamilyPathTraversal,
			Pattern: regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%252e%252e)`),
			Targets: TargetURL | TargetQuery | TargetBody,
		},
		{
			Family:  FamilyPathTraversal,
			Pattern: regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts)|/proc/self|c:\\windows\\|boot\.ini|win\.ini)`),
			Targets: TargetURL | TargetQuery | TargetBody,
		},
	}
}

// botAgentPattern matches user agents of known crawlers and scripted
// clients.
var botAgentPattern = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper|curl|wget|python-requests|go-http-client|httpclient|libwww)`)
