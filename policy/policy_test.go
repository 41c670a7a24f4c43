package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve_RoleBases(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		role        Role
		maxRequests int
		burst       int
	}{
		{RoleAnonymous, 50, 5},
		{RoleParticipant, 200, 20},
		{RoleResearcher, 500, 50},
		{RoleAdmin, 2000, 200},
	}

	for _, tt := range tests {
		pol := r.Resolve(tt.role, TierFree, "/api/other/things")
		assert.Equal(t, tt.maxRequests, pol.MaxRequests, "role %s", tt.role)
		assert.Equal(t, tt.burst, pol.BurstAllowance, "role %s", tt.role)
		assert.Equal(t, 15*time.Minute, pol.Window, "role %s", tt.role)
		assert.False(t, pol.DDoSProtection, "role %s", tt.role)
	}
}

func TestResolve_TierMultipliers(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		tier        Tier
		maxRequests int
		burst       int
	}{
		{TierFree, 50, 5},
		{TierBasic, 75, 7}, // 1.5x, floored
		{TierPremium, 150, 15},
		{TierEnterprise, 500, 50},
	}

	for _, tt := range tests {
		pol := r.Resolve(RoleAnonymous, tt.tier, "/api/other/things")
		assert.Equal(t, tt.maxRequests, pol.MaxRequests, "tier %s", tt.tier)
		assert.Equal(t, tt.burst, pol.BurstAllowance, "tier %s", tt.tier)
	}
}

func TestResolve_UnknownRoleAndTier(t *testing.T) {
	r := NewResolver()

	pol := r.Resolve(Role("ghost"), Tier("platinum"), "/api/other")
	anon := r.Resolve(RoleAnonymous, TierFree, "/api/other")
	assert.Equal(t, anon, pol)
}

func TestResolve_EndpointOverrides(t *testing.T) {
	r := NewResolver()

	auth := r.Resolve(RoleParticipant, TierFree, "/api/auth/login")
	assert.Equal(t, 10, auth.MaxRequests)
	assert.Equal(t, 15*time.Minute, auth.Window)
	assert.True(t, auth.DDoSProtection)

	payments := r.Resolve(RoleParticipant, TierFree, "/api/payments/checkout")
	assert.Equal(t, 30, payments.MaxRequests)
	assert.Equal(t, time.Hour, payments.Window)
	assert.True(t, payments.DDoSProtection)

	analytics := r.Resolve(RoleResearcher, TierFree, "/api/analytics/report")
	assert.Equal(t, 100, analytics.MaxRequests)
	assert.Equal(t, time.Hour, analytics.Window)
	assert.False(t, analytics.DDoSProtection)
}

func TestResolve_OverrideScalesWithTier(t *testing.T) {
	r := NewResolver()

	pol := r.Resolve(RoleParticipant, TierEnterprise, "/api/auth/login")
	assert.Equal(t, 100, pol.MaxRequests)
	assert.True(t, pol.DDoSProtection)
}

func TestResolve_FirstMatchingOverrideWins(t *testing.T) {
	r := NewResolverWithOverrides([]Override{
		{PathPrefix: "/api/studies", MaxRequests: 11},
		{PathPrefix: "/api/studies/special", MaxRequests: 99},
	})

	pol := r.Resolve(RoleParticipant, TierFree, "/api/studies/special")
	assert.Equal(t, 11, pol.MaxRequests)
}

func TestNormalizeEndpoint(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		path string
		want string
	}{
		{"/api/studies/123/results", "/api/studies"},
		{"/api/auth/login", "/api/auth"},
		{"/api/users/42", "/api/users"},
		{"/health", "/health"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.NormalizeEndpoint(tt.path), "path %s", tt.path)
	}
}

func TestIsAuthEndpoint(t *testing.T) {
	assert.True(t, IsAuthEndpoint("/api/auth/login"))
	assert.True(t, IsAuthEndpoint("/api/auth"))
	assert.False(t, IsAuthEndpoint("/api/studies"))
}

func TestParseRoleAndTier(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("ADMIN"))
	assert.Equal(t, RoleAnonymous, ParseRole("nonsense"))
	assert.Equal(t, RoleAnonymous, ParseRole(""))

	assert.Equal(t, TierPremium, ParseTier("Premium"))
	assert.Equal(t, TierFree, ParseTier("nonsense"))
	assert.Equal(t, TierFree, ParseTier(""))
}

func TestResolve_ConcurrentUse(t *testing.T) {
	r := NewResolver()
	want := r.Resolve(RoleResearcher, TierPremium, "/api/studies/1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got := r.Resolve(RoleResearcher, TierPremium, "/api/studies/1")
				assert.Equal(t, want, got)
			}
		}()
	}
	wg.Wait()
}
