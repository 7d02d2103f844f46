package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identifyTimeout  = 10 * time.Second
	defaultKeepalive = 20 * time.Second
	streamBuffer     = 64
)

// ErrTunnelClosed is returned once the channel to the broker is gone
var ErrTunnelClosed = errors.New("tunnel closed")

// ForwardHandler receives FORWARD_TO_TARGET frames on a relay. It runs on the
// read loop and must not block: a stalled handler stalls every other stream.
type ForwardHandler func(tunnel.ForwardToTarget)

// TunnelOptions configure a tunnel client
type TunnelOptions struct {
	UserID    string
	Role      string
	Keepalive time.Duration
	OnForward ForwardHandler
}

// TunnelClient is a node's duplex channel to the broker. Frames addressed to
// a request id are routed to the Stream opened for it.
type TunnelClient struct {
	conn   *tunnel.Conn
	opts   TunnelOptions
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*Stream

	done chan struct{}
	err  error
}

// Stream receives the frames of one forwarded request
type Stream struct {
	id     string
	events chan tunnel.Frame
	client *TunnelClient
	once   sync.Once
	closed chan struct{}
}

// TunnelURL maps the broker's http(s) address to its /tunnel endpoint
func TunnelURL(brokerURL string) (string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tunnel"
	return u.String(), nil
}

// DialTunnel opens the channel and completes IDENTIFY before returning
func DialTunnel(ctx context.Context, brokerURL string, opts TunnelOptions, logger *zap.Logger) (*TunnelClient, error) {
	target, err := TunnelURL(brokerURL)
	if err != nil {
		return nil, err
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = defaultKeepalive
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tunnel: %w", err)
	}
	conn := tunnel.NewConn(ws)

	if err := conn.Send(tunnel.Identify{UserID: opts.UserID, Role: opts.Role}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ws.SetReadDeadline(time.Now().Add(identifyTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	for {
		frame, err := conn.Receive()
		if err != nil {
			if tunnel.IsSkippable(err) {
				continue
			}
			conn.Close()
			return nil, fmt.Errorf("failed to identify: %w", err)
		}
		if _, ok := frame.(tunnel.Identified); ok {
			break
		}
	}
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to clear read deadline: %w", err)
	}

	return &TunnelClient{
		conn:    conn,
		opts:    opts,
		logger:  logger.Named("tunnel-client"),
		streams: make(map[string]*Stream),
		done:    make(chan struct{}),
	}, nil
}

// Run reads frames until the channel closes or ctx is done. Every open
// stream observes the end through Done.
func (c *TunnelClient) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(c.opts.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := c.conn.Send(tunnel.Ping{}); err != nil {
					c.logger.Debug("keepalive failed", zap.Error(err))
				}
			}
		}
	}()

	var err error
	for {
		var frame tunnel.Frame
		frame, err = c.conn.Receive()
		if err != nil {
			if tunnel.IsSkippable(err) {
				c.logger.Debug("frame skipped", zap.Error(err))
				continue
			}
			break
		}
		c.dispatch(frame)
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTunnelClosed, err)
}

func (c *TunnelClient) dispatch(frame tunnel.Frame) {
	switch f := frame.(type) {
	case tunnel.ForwardToTarget:
		if c.opts.OnForward != nil {
			c.opts.OnForward(f)
		}
	case tunnel.ResponseToSource:
		c.route(f.RequestID, f)
	case tunnel.RelayLost:
		c.route(f.RequestID, f)
	case tunnel.DTNMode:
		c.route(f.RequestID, f)
	case tunnel.RelayRequest:
		c.logger.Info("picked as relay", zap.String("source_id", f.FromUserID))
	case tunnel.Pong:
	default:
		c.logger.Debug("ignoring frame", zap.String("type", fmt.Sprintf("%T", frame)))
	}
}

func (c *TunnelClient) route(requestID string, frame tunnel.Frame) {
	c.mu.Lock()
	s, ok := c.streams[requestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("frame for unknown request", zap.String("request_id", requestID))
		return
	}
	select {
	case s.events <- frame:
	case <-s.closed:
	}
}

// Send writes one frame to the broker
func (c *TunnelClient) Send(frame tunnel.Frame) error {
	select {
	case <-c.done:
		return ErrTunnelClosed
	default:
	}
	return c.conn.Send(frame)
}

// Open registers a stream for requestID
func (c *TunnelClient) Open(requestID string) *Stream {
	s := &Stream{
		id:     requestID,
		events: make(chan tunnel.Frame, streamBuffer),
		client: c,
		closed: make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[requestID] = s
	c.mu.Unlock()
	return s
}

// Done is closed when the read loop ends
func (c *TunnelClient) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop ended
func (c *TunnelClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the channel down
func (c *TunnelClient) Close() error {
	return c.conn.Close()
}

// ID is the request id of the stream
func (s *Stream) ID() string {
	return s.id
}

// Events delivers RESPONSE_TO_SOURCE, RELAY_LOST and DTN_MODE frames in order
func (s *Stream) Events() <-chan tunnel.Frame {
	return s.events
}

// Done is closed when the underlying channel is gone
func (s *Stream) Done() <-chan struct{} {
	return s.client.done
}

// Close unregisters the stream
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.client.mu.Lock()
		delete(s.client.streams, s.id)
		s.client.mu.Unlock()
	})
}
