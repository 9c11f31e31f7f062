package ratepool

import "time"

// Config holds the shared rate limiting parameters. Every tenant starts
// from the same defaults; per-tenant limits are then learned from the
// provider's call-limit response header.
type Config struct {
	// MaxCallsPerWindow is the assumed budget before the provider has
	// reported one.
	MaxCallsPerWindow int
	// Window is the assumed budget window.
	Window time.Duration
	// SoftThrottleFraction is the budget fraction at which dispatch is
	// briefly paused.
	SoftThrottleFraction float64
	// HardStopFraction is the budget fraction at which dispatch stops
	// until the window resets.
	HardStopFraction float64
	// SoftPause is how long dispatch pauses on a soft throttle.
	SoftPause time.Duration
	// SchedulerTick is the shared queue-drain interval.
	SchedulerTick time.Duration
	// DrainPerSecond is the provider's leaky-bucket drain rate, used to
	// estimate when a reported budget resets.
	DrainPerSecond int
	// DefaultRetryAfter applies when a 429 carries no Retry-After header.
	DefaultRetryAfter time.Duration
	// RequestTimeout bounds each outbound HTTP call.
	RequestTimeout time.Duration
	// CallLimitHeader names the "used/max" response header.
	CallLimitHeader string
}

// DefaultConfig returns production defaults matching the provider's
// documented leaky bucket of roughly 2 calls per second.
func DefaultConfig() Config {
	return Config{
		MaxCallsPerWindow:    40,
		Window:               20 * time.Second,
		SoftThrottleFraction: 0.8,
		HardStopFraction:     0.95,
		SoftPause:            time.Second,
		SchedulerTick:        100 * time.Millisecond,
		DrainPerSecond:       2,
		DefaultRetryAfter:    5 * time.Second,
		RequestTimeout:       10 * time.Second,
		CallLimitHeader:      "X-Api-Call-Limit",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxCallsPerWindow <= 0 {
		c.MaxCallsPerWindow = def.MaxCallsPerWindow
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.SoftThrottleFraction <= 0 {
		c.SoftThrottleFraction = def.SoftThrottleFraction
	}
	if c.HardStopFraction <= 0 {
		c.HardStopFraction = def.HardStopFraction
	}
	if c.SoftPause <= 0 {
		c.SoftPause = def.SoftPause
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = def.SchedulerTick
	}
	if c.DrainPerSecond <= 0 {
		c.DrainPerSecond = def.DrainPerSecond
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.CallLimitHeader == "" {
		c.CallLimitHeader = def.CallLimitHeader
	}
	return c
}
