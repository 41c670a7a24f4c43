// policy.go
// Purpose: pure resolution of the effective rate-limit policy from caller
// role, subscription tier, and endpoint path. No I/O, no locks; the tables
// are read-only after construction so a Resolver is safe for concurrent use.

package policy

import (
	"strings"
	"time"
)

// Role is the caller's resolved access role.
type Role string

const (
	RoleAnonymous   Role = "anonymous"
	RoleParticipant Role = "participant"
	RoleResearcher  Role = "researcher"
	RoleAdmin       Role = "admin"
)

// Tier is the caller's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// RateLimitPolicy is the effective policy for one request. Derived, never
// persisted; recomputed per request.
type RateLimitPolicy struct {
	Window         time.Duration `json:"window"`
	MaxRequests    int           `json:"max_requests"`
	BurstAllowance int           `json:"burst_allowance"`
	DDoSProtection bool          `json:"ddos_protection"`
}

// Override replaces parts of the base policy for a path prefix. A zero
// Window or MaxRequests leaves the base value in place.
type Override struct {
	PathPrefix          string        `json:"path_prefix"`
	Window              time.Duration `json:"window"`
	MaxRequests         int           `json:"max_requests"`
	ForceDDoSProtection bool          `json:"force_ddos_protection"`
}

// Resolver maps (role, tier, endpoint) to an effective policy.
type Resolver struct {
	bases       map[Role]RateLimitPolicy
	multipliers map[Tier]float64
	overrides   []Override
}

// NewResolver creates a resolver with the default role bases, tier
// multipliers, and endpoint overrides.
func NewResolver() *Resolver {
	return &Resolver{
		bases:       defaultBases(),
		multipliers: defaultMultipliers(),
		overrides:   defaultOverrides(),
	}
}

// NewResolverWithOverrides creates a resolver with custom endpoint
// overrides, matched in order; first match wins.
func NewResolverWithOverrides(overrides []Override) *Resolver {
	return &Resolver{
		bases:       defaultBases(),
		multipliers: defaultMultipliers(),
		overrides:   overrides,
	}
}

func defaultBases() map[Role]RateLimitPolicy {
	return map[Role]RateLimitPolicy{
		RoleAnonymous: {
			Window:         15 * time.Minute,
			MaxRequests:    50,
			BurstAllowance: 5,
		},
		RoleParticipant: {
			Window:         15 * time.Minute,
			MaxRequests:    200,
			BurstAllowance: 20,
		},
		RoleResearcher: {
			Window:         15 * time.Minute,
			MaxRequests:    500,
			BurstAllowance: 50,
		},
		RoleAdmin: {
			Window:         15 * time.Minute,
			MaxRequests:    2000,
			BurstAllowance: 200,
		},
	}
}

func defaultMultipliers() map[Tier]float64 {
	return map[Tier]float64{
		TierFree:       1.0,
		TierBasic:      1.5,
		TierPremium:    3.0,
		TierEnterprise: 10.0,
	}
}

func defaultOverrides() []Override {
	return []Override{
		{
			PathPrefix:          "/api/auth",
			Window:              15 * time.Minute,
			MaxRequests:         10,
			ForceDDoSProtection: true,
		},
		{
			PathPrefix:          "/api/payments",
			Window:              time.Hour,
			MaxRequests:         30,
			ForceDDoSProtection: true,
		},
		{
			PathPrefix:  "/api/studies",
			Window:      15 * time.Minute,
			MaxRequests: 200,
		},
		{
			PathPrefix:  "/api/analytics",
			Window:      time.Hour,
			MaxRequests: 100,
		},
	}
}

// Resolve computes the effective policy for a request. Unknown roles fall
// back to anonymous; unknown tiers to free.
func (r *Resolver) Resolve(role Role, tier Tier, endpointPath string) RateLimitPolicy {
	base, ok := r.bases[role]
	if !ok {
		base = r.bases[RoleAnonymous]
	}

	mult, ok := r.multipliers[tier]
	if !ok {
		mult = r.multipliers[TierFree]
	}

	pol := RateLimitPolicy{
		Window:         base.Window,
		MaxRequests:    int(float64(base.MaxRequests) * mult),
		BurstAllowance: int(float64(base.BurstAllowance) * mult),
		DDoSProtection: false,
	}

	for _, ov := range r.overrides {
		if !strings.HasPrefix(endpointPath, ov.PathPrefix) {
			continue
		}
		if ov.Window > 0 {
			pol.Window = ov.Window
		}
		if ov.MaxRequests > 0 {
			pol.MaxRequests = int(float64(ov.MaxRequests) * mult)
		}
		if ov.ForceDDoSProtection {
			pol.DDoSProtection = true
		}
		break
	}

	return pol
}

// IsAuthEndpoint reports whether a path belongs to the authentication
// surface tracked by the repeated-attempt DDoS signal.
func IsAuthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/api/auth")
}

// NormalizeEndpoint collapses a request path to the prefix the counters are
// keyed by, so `/api/studies/123/results` and `/api/studies` aggregate into
// one window.
func (r *Resolver) NormalizeEndpoint(path string) string {
	for _, ov := range r.overrides {
		if strings.HasPrefix(path, ov.PathPrefix) {
			return ov.PathPrefix
		}
	}
	segments := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(segments) >= 2 {
		return "/" + segments[0] + "/" + segments[1]
	}
	return path
}

// ParseRole maps a string to a Role, defaulting to anonymous.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RoleParticipant, RoleResearcher, RoleAdmin:
		return Role(strings.ToLower(s))
	default:
		return RoleAnonymous
	}
}

// ParseTier maps a string to a Tier, defaulting to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(s)) {
	case TierBasic, TierPremium, TierEnterprise:
		return Tier(strings.ToLower(s))
	default:
		return TierFree
	}
}
