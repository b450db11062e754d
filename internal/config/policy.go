package config

import (
	"strings"
	"time"
)

const (
	defaultBaseBlockMinutes     = 15
	defaultMaxBackoffMultiplier = 16
	defaultCurlAbuseMinScore    = 2
	defaultMaxConcurrentJobs    = 5
	defaultJobMaxRetries        = 3
	defaultFailedLoginThreshold = 5
	defaultFailedLoginWindow    = 15 * time.Minute
)

var defaultLevelMultipliers = map[string]uint32{
	"low":      1,
	"medium":   2,
	"high":     4,
	"critical": 8,
}

// BaseBlockDuration is the block length of a first low-level offense.
func (s SecurityConfig) BaseBlockDuration() time.Duration {
	minutes := s.BaseBlockMinutes
	if minutes == 0 {
		minutes = defaultBaseBlockMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (s SecurityConfig) LevelMultiplier(level string) uint32 {
	key := strings.ToLower(level)
	if m, ok := s.LevelMultipliers[key]; ok && m > 0 {
		return m
	}
	if m, ok := defaultLevelMultipliers[key]; ok {
		return m
	}
	return 1
}

func (s SecurityConfig) BackoffCap() uint32 {
	if s.MaxBackoffMultiplier == 0 {
		return defaultMaxBackoffMultiplier
	}
	return s.MaxBackoffMultiplier
}

func (s SecurityConfig) CurlAbuseThreshold() float64 {
	if s.CurlAbuseMinScore <= 0 {
		return defaultCurlAbuseMinScore
	}
	return s.CurlAbuseMinScore
}

// AuthPrefixes are the route prefixes whose 401/403 responses count as failed logins.
func (s SecurityConfig) AuthPrefixes() []string {
	if len(s.AuthRoutePrefixes) == 0 {
		return []string{"/auth", "/api/auth", "/api/login", "/login"}
	}
	return s.AuthRoutePrefixes
}

// LoginFailurePolicy returns how many auth failures inside window it takes
// before an address is blacklisted for failed_login.
func (s SecurityConfig) LoginFailurePolicy() (threshold int, window time.Duration) {
	threshold = int(s.FailedLoginThreshold)
	if threshold <= 0 {
		threshold = defaultFailedLoginThreshold
	}
	window = CalculateBetweenTime(s.FailedLoginWindow)
	if s.FailedLoginWindow == (Timer{}) {
		window = defaultFailedLoginWindow
	}
	return threshold, window
}

func (s SecurityConfig) AuditRetention() time.Duration {
	if s.AuditRetentionDays == 0 {
		return 0
	}
	return time.Duration(s.AuditRetentionDays) * 24 * time.Hour
}

func (q QueueConfig) Concurrency() int {
	if q.MaxConcurrent == 0 {
		return defaultMaxConcurrentJobs
	}
	return int(q.MaxConcurrent)
}

func (q QueueConfig) MaxRetries() int {
	if q.DefaultMaxRetries == 0 {
		return defaultJobMaxRetries
	}
	return int(q.DefaultMaxRetries)
}
