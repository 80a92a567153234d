package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Direction identifies which peer sent a chunk.
type Direction int

const (
	// FromClient marks bytes sent by the intercepted client.
	FromClient Direction = iota
	// FromServer marks bytes sent by the upstream server.
	FromServer
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case FromClient:
		return "client"
	case FromServer:
		return "server"
	default:
		return "unknown"
	}
}

// DirectionFilter selects which directions are decoded.
type DirectionFilter string

const (
	FilterServer DirectionFilter = "server"
	FilterClient DirectionFilter = "client"
	FilterBoth   DirectionFilter = "both"
)

// Allows reports whether chunks travelling in d pass the filter.
func (f DirectionFilter) Allows(d Direction) bool {
	switch f {
	case FilterBoth:
		return true
	case FilterClient:
		return d == FromClient
	default:
		return d == FromServer
	}
}

// ParseDirectionFilter validates a filter name.
func ParseDirectionFilter(s string) (DirectionFilter, error) {
	switch f := DirectionFilter(strings.ToLower(strings.TrimSpace(s))); f {
	case FilterServer, FilterClient, FilterBoth:
		return f, nil
	default:
		return "", fmt.Errorf("unknown direction filter %q", s)
	}
}

// ConnectionInfo contains information about a tapped connection
type ConnectionInfo struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remote_addr"`
	UpstreamAddr    string    `json:"upstream_addr"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastSeen        time.Time `json:"last_seen"`
	BytesFromClient uint64    `json:"bytes_from_client"`
	BytesFromServer uint64    `json:"bytes_from_server"`
}

// Observer receives the ordered byte stream of every tapped connection.
// OnBytes calls for one connection and direction are never concurrent. The two
// directions of a connection, and different connections, may be.
type Observer interface {
	OnConnectionStart(ctx context.Context, info ConnectionInfo)
	OnBytes(ctx context.Context, connID string, dir Direction, chunk []byte)
	OnConnectionEnd(ctx context.Context, connID string)
	OnConnectionError(ctx context.Context, connID string, err error)
}

// Config holds relay configuration
type Config struct {
	ListenAddr     string        `mapstructure:"listen_addr"      yaml:"listen_addr"`
	UpstreamAddr   string        `mapstructure:"upstream_addr"    yaml:"upstream_addr"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"     yaml:"dial_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"     yaml:"idle_timeout"`
	MaxConnections int           `mapstructure:"max_connections"  yaml:"max_connections"`
	ReadBufferSize int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
}

// DefaultConfig returns production-ready relay defaults
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":7000",
		DialTimeout:    5 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxConnections: 64,
		ReadBufferSize: 16384,
	}
}
