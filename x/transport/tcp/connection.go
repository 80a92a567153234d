package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/transport"
)

// TimeoutConfig contains timeout settings for relayed connections
type TimeoutConfig struct {
	Dial time.Duration // Timeout for dialing the upstream (default: 5s)
	Idle time.Duration // Read deadline on both sides; 0 disables it (default: 5m)
}

// DefaultTimeoutConfig returns production-ready timeout defaults
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Dial: 5 * time.Second,
		Idle: 5 * time.Minute,
	}
}

// connection relays one client connection to the upstream and reports every
// chunk it forwards to the observer.
type connection struct {
	client   net.Conn
	upstream net.Conn
	id       string
	observer transport.Observer
	log      zerolog.Logger
	metrics  *Metrics
	timeouts TimeoutConfig
	bufSize  int

	mu   sync.RWMutex
	info transport.ConnectionInfo

	closeOnce sync.Once

	bytesFromClient uint64
	bytesFromServer uint64
}

func newConnection(
	client, upstream net.Conn,
	id string,
	observer transport.Observer,
	timeouts TimeoutConfig,
	bufSize int,
	log zerolog.Logger,
	m *Metrics,
) *connection {
	now := time.Now()
	if bufSize <= 0 {
		bufSize = 16384
	}

	return &connection{
		client:   client,
		upstream: upstream,
		id:       id,
		observer: observer,
		log:      log.With().Str("conn_id", id).Logger(),
		metrics:  m,
		timeouts: timeouts,
		bufSize:  bufSize,
		info: transport.ConnectionInfo{
			ID:           id,
			RemoteAddr:   client.RemoteAddr().String(),
			UpstreamAddr: upstream.RemoteAddr().String(),
			ConnectedAt:  now,
			LastSeen:     now,
		},
	}
}

// run relays until either side closes or ctx ends, then reports the outcome.
func (c *connection) run(ctx context.Context) {
	c.metrics.RecordConnection(stateAccepted)
	c.observer.OnConnectionStart(ctx, c.Info())
	c.log.Info().
		Str("remote_addr", c.info.RemoteAddr).
		Str("upstream_addr", c.info.UpstreamAddr).
		Msg("Connection opened")

	err := c.relay(ctx)
	info := c.Info()
	c.metrics.RecordConnectionDuration(time.Since(info.ConnectedAt))

	if err != nil {
		c.log.Warn().Err(err).Msg("Connection failed")
		c.metrics.RecordConnection(stateFailed)
		c.metrics.RecordError("relay")
		c.observer.OnConnectionError(ctx, c.id, err)
		return
	}

	c.log.Info().
		Uint64("bytes_from_client", info.BytesFromClient).
		Uint64("bytes_from_server", info.BytesFromServer).
		Dur("duration", time.Since(info.ConnectedAt)).
		Msg("Connection closed")
	c.metrics.RecordConnection(stateClosed)
	c.observer.OnConnectionEnd(ctx, c.id)
}

func (c *connection) relay(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- c.pipe(ctx, c.upstream, c.client, transport.FromClient) }()
	go func() { errCh <- c.pipe(ctx, c.client, c.upstream, transport.FromServer) }()

	first := <-errCh
	c.close()
	<-errCh

	switch {
	case first == nil, isClosed(first):
		return nil
	case isIdle(first):
		c.log.Info().Dur("idle_timeout", c.timeouts.Idle).Msg("Closing idle connection")
		return nil
	default:
		return first
	}
}

// pipe copies src to dst. Each chunk is forwarded first and then handed to the
// observer; the chunk is only valid for the duration of OnBytes.
func (c *connection) pipe(ctx context.Context, dst, src net.Conn, dir transport.Direction) error {
	buf := make([]byte, c.bufSize)
	counter := &c.bytesFromClient
	if dir == transport.FromServer {
		counter = &c.bytesFromServer
	}

	for {
		if c.timeouts.Idle > 0 {
			if err := src.SetReadDeadline(time.Now().Add(c.timeouts.Idle)); err != nil {
				return err
			}
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
			atomic.AddUint64(counter, uint64(n))
			c.metrics.RecordChunk(dir.String(), n)
			c.UpdateLastSeen()
			c.observer.OnBytes(ctx, c.id, dir, chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// close closes both sides once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		_ = c.client.Close()
		_ = c.upstream.Close()
	})
}

// Info returns connection information.
func (c *connection) Info() transport.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := c.info
	info.BytesFromClient = atomic.LoadUint64(&c.bytesFromClient)
	info.BytesFromServer = atomic.LoadUint64(&c.bytesFromServer)
	return info
}

// UpdateLastSeen updates the last seen timestamp.
func (c *connection) UpdateLastSeen() {
	c.mu.Lock()
	c.info.LastSeen = time.Now()
	c.mu.Unlock()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// isIdle reports whether err is a read deadline expiry.
func isIdle(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
