// Package server provides configuration helpers that define runtime
// defaults and validation for the Courier router.
package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Tyrowin/courier/internal/protocol"
)

// RateLimitConfig defines the parameters for per-session envelope rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the router configuration.
type Config struct {
	// ListenAddr is the interface to bind. Empty accepts from any address.
	ListenAddr string

	// ListenPort must fall in 1024-65535.
	ListenPort int

	// MaxConnections caps the number of simultaneously open sessions.
	MaxConnections int

	// MaxPacketSize bounds one encoded envelope on the wire.
	MaxPacketSize int

	// AcceptTimeout bounds the accept phase and thereby paces the loop.
	AcceptTimeout time.Duration

	// PollTimeout is the near-zero deadline used to probe a session for
	// readability without waiting.
	PollTimeout time.Duration

	// ReadTimeout bounds reading one full envelope from a readable session.
	ReadTimeout time.Duration

	// WriteTimeout bounds every write; a timed-out write marks the
	// destination unreachable.
	WriteTimeout time.Duration

	// RateLimit throttles inbound envelopes per session.
	RateLimit RateLimitConfig

	// AdminAddr is the listen address of the admin HTTP surface. Empty
	// disables it.
	AdminAddr string

	// AllowedOrigins lists origins permitted to open admin websocket
	// subscriptions. "*" allows all.
	AllowedOrigins []string
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		ListenAddr:     "127.0.0.1",
		ListenPort:     7777,
		MaxConnections: 64,
		MaxPacketSize:  protocol.DefaultMaxPacketSize,
		AcceptTimeout:  500 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
		ReadTimeout:    500 * time.Millisecond,
		WriteTimeout:   200 * time.Millisecond,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		AdminAddr: "",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
	}
}

func (c *Config) sanitize() {
	defaults := NewConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaults.MaxConnections
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = defaults.MaxPacketSize
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = defaults.AcceptTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
}

// Validate reports configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.ListenPort < 1024 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range 1024-65535", c.ListenPort)
	}
	return nil
}

// Addr returns the host:port string the router binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}
