package daemon

import (
	"fmt"
	"time"
)

// ClientConfig holds the runtime settings a client needs to talk to a
// running daemon: where its socket lives and how long to wait for it. The
// daemon process itself is configured from internal/config.Config; this
// narrower type exists because a client (e.g. the CLI) doesn't need the
// daemon's model or memory configuration, only enough to dial and time out.
type ClientConfig struct {
	// SocketPath is the Unix domain socket path to dial.
	SocketPath string

	// Timeout bounds a single request/response round trip.
	Timeout time.Duration

	// ShutdownGracePeriod is how long the client waits for a shutdown
	// request's response before giving up on a clean acknowledgement.
	ShutdownGracePeriod time.Duration
}

// DefaultClientConfig returns a ClientConfig matching the daemon's own
// default socket path (see internal/config.defaultSocketPath).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SocketPath:          "/tmp/fastsearch.sock",
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c ClientConfig) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}
