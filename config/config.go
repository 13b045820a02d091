// File: config/config.go
//
// Listener and reload configuration. A Listener value is an immutable
// snapshot: reloads construct new values, runners never mutate them.

package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Listener configures one protocol instance (HTTP or HTTPS).
type Listener struct {
	Addr    string `toml:"addr"`
	Port    int    `toml:"port"`
	Backlog int    `toml:"backlog"`
	TLS     bool   `toml:"tls"`

	// MaxStopWaits is the number of one-second drain polls before an old
	// worker is forcibly killed during reload. Zero or negative skips
	// waiting and kills immediately.
	MaxStopWaits int `toml:"max_stop_waits"`
}

// Config is the top-level handoff configuration.
type Config struct {
	// SocketPath names the descriptor/control channel's local socket.
	SocketPath string `toml:"socket_path"`

	// Abstract selects the abstract namespace over a filesystem path.
	Abstract bool `toml:"abstract_namespace"`

	HTTP  *Listener `toml:"http"`
	HTTPS *Listener `toml:"https"`
}

// DefaultListener returns listener defaults for addr:port.
func DefaultListener(addr string, port int) *Listener {
	return &Listener{
		Addr:         addr,
		Port:         port,
		Backlog:      128,
		MaxStopWaits: 30,
	}
}

// DefaultConfig returns a plain HTTP-only configuration.
func DefaultConfig() *Config {
	return &Config{
		SocketPath: "/tmp/handoff.sock",
		HTTP:       DefaultListener("127.0.0.1", 8080),
	}
}

// Load reads a TOML configuration file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.HTTP = nil
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config load %s: %w", path, err)
	}
	return cfg, nil
}

// SocketEqual reports whether o binds the same address and port, which
// decides if a live listening socket can be kept across a reload.
func (l *Listener) SocketEqual(o *Listener) bool {
	return l.Addr == o.Addr && l.Port == o.Port
}

// BacklogEqual reports whether the listen queue length is unchanged. The
// backlog cannot change on a live socket, so inequality forces a full
// stop-then-recreate.
func (l *Listener) BacklogEqual(o *Listener) bool {
	return l.Backlog == o.Backlog
}

// String renders the bind target for logs.
func (l *Listener) String() string {
	return fmt.Sprintf("%s:%d", l.Addr, l.Port)
}
