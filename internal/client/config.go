// Package client provides configuration defaults and validation for the
// Courier client transport.
package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Tyrowin/courier/internal/protocol"
)

// Config holds the transport configuration.
type Config struct {
	// ServerAddr and ServerPort locate the router. The port must fall in
	// 1024-65535.
	ServerAddr string
	ServerPort int

	// Username is the name claimed during the presence handshake.
	Username string

	// ConnectAttempts bounds the initial dial retries; ConnectBackoff is
	// the pause between them.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	// RequestTimeout bounds each request/response exchange on the socket.
	RequestTimeout time.Duration

	// PollInterval is the pause between receiver polls; PollTimeout is the
	// short read deadline used inside one poll.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// MaxPacketSize bounds one encoded envelope on the wire.
	MaxPacketSize int
}

// NewConfig creates a Config populated with default values.
func NewConfig() *Config {
	return &Config{
		ServerAddr:      "127.0.0.1",
		ServerPort:      7777,
		ConnectAttempts: 5,
		ConnectBackoff:  time.Second,
		RequestTimeout:  5 * time.Second,
		PollInterval:    time.Second,
		PollTimeout:     500 * time.Millisecond,
		MaxPacketSize:   protocol.DefaultMaxPacketSize,
	}
}

func (c *Config) sanitize() {
	defaults := NewConfig()
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaults.ConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = defaults.ConnectBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = defaults.MaxPacketSize
	}
}

// Validate reports configuration errors that must abort startup.
func (c *Config) Validate() error {
	if c.ServerPort < 1024 || c.ServerPort > 65535 {
		return fmt.Errorf("server port %d out of range 1024-65535", c.ServerPort)
	}
	if c.Username == "" {
		return fmt.Errorf("username must not be empty")
	}
	return nil
}

// Addr returns the host:port string the transport dials.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ServerAddr, strconv.Itoa(c.ServerPort))
}
