// Package scheduler computes per-plan priority tiers and adaptive check
// intervals for the monitoring loop.
package scheduler

import (
	"time"
)

// Tier is a scheduling classification determining how often a plan is
// re-checked.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	}
	return "unknown"
}

// Config holds scheduler tuning.
type Config struct {
	// BaseInterval is the monitoring cycle period and the absolute floor
	// for every adaptive interval.
	BaseInterval time.Duration
	// HighDistance is the fractional price distance below which a plan is
	// high priority.
	HighDistance float64
	// MediumDistance is the fractional price distance below which a plan
	// is medium priority.
	MediumDistance float64
	// RecentActivity is how recently a plan's conditions must have been
	// satisfied (or checked) to lift its tier.
	RecentActivity time.Duration
	// IdleAfter is how long a plan must be inactive before its interval
	// lengthens further.
	IdleAfter time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval:   15 * time.Second,
		HighDistance:   0.01,
		MediumDistance: 0.02,
		RecentActivity: 10 * time.Minute,
		IdleAfter:      time.Hour,
	}
}

// Scheduler computes tiers and intervals from plan state. All methods
// are pure with respect to their inputs.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// PriceDistance returns |current-entry|/entry, or a distance that always
// classifies low when either price is unusable.
func PriceDistance(currentPrice, entryPrice float64) float64 {
	if entryPrice <= 0 || currentPrice <= 0 {
		return 1
	}
	d := (currentPrice - entryPrice) / entryPrice
	if d < 0 {
		d = -d
	}
	return d
}

// TierFor classifies a plan from its price distance and activity
// timestamps.
func (s *Scheduler) TierFor(distance float64, lastActivity time.Time, now time.Time) Tier {
	recentlyActive := !lastActivity.IsZero() && now.Sub(lastActivity) <= s.cfg.RecentActivity

	switch {
	case distance < s.cfg.HighDistance || recentlyActive:
		return TierHigh
	case distance < s.cfg.MediumDistance:
		return TierMedium
	default:
		return TierLow
	}
}

// Interval computes the adaptive check interval for a plan. The result
// is never below BaseInterval: volatility and session effects shorten
// toward the floor, never through it.
func (s *Scheduler) Interval(tier Tier, highVolatility, activeSession bool, idle time.Duration) time.Duration {
	base := s.cfg.BaseInterval
	var interval time.Duration

	switch tier {
	case TierHigh:
		interval = base
	case TierMedium:
		interval = 2 * base
	default:
		interval = 2 * base
		if idle > s.cfg.IdleAfter {
			interval = 4 * base
		}
	}

	if highVolatility || activeSession {
		interval = interval / 2
	}

	if interval < base {
		interval = base
	}
	return interval
}

// Due reports whether a plan should be evaluated this cycle.
func (s *Scheduler) Due(lastChecked time.Time, interval time.Duration, now time.Time) bool {
	if lastChecked.IsZero() {
		return true
	}
	return now.Sub(lastChecked) >= interval
}
