// Package engine runs an isolated node: it intercepts outbound connections,
// streams them through a relay while one is available and falls back to the
// local DTN queue when it is not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/client"
	"github.com/Klein241/bufferwave/internal/localqueue"
	"github.com/Klein241/bufferwave/internal/relay"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Broker is the slice of the broker API the engine talks to
type Broker interface {
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResponse, error)
	Connect(ctx context.Context, userID string, profile relay.Profile) (*services.RelayInfo, error)
	Store(ctx context.Context, req services.StoreRequest) (*services.StoreResponse, error)
	Status(ctx context.Context) (*services.StatusResponse, error)
}

// Dialer opens an identified tunnel channel to the broker
type Dialer func(ctx context.Context) (*client.TunnelClient, error)

// Options tune the engine
type Options struct {
	UserID           string
	Profile          relay.Profile
	Registration     services.RegisterRequest
	ProxyAddr        string
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ProxyAddr == "" {
		o.ProxyAddr = "127.0.0.1:8080"
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 2 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 1500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.Registration.UserID == "" {
		o.Registration.UserID = o.UserID
	}
}

// Engine owns the signal state and the current relay session
type Engine struct {
	opts   Options
	broker Broker
	dial   Dialer
	queue  localqueue.Queue
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	signal  bool
	relay   *services.RelayInfo
	tunnel  *client.TunnelClient
	runCtx  context.Context
	streams sync.WaitGroup
}

// New creates an engine with no signal and no relay session
func New(broker Broker, dial Dialer, queue localqueue.Queue, clk clock.Clock, opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		opts:   opts,
		broker: broker,
		dial:   dial,
		queue:  queue,
		clock:  clk,
		logger: logger.Named("engine"),
		runCtx: context.Background(),
	}
}

// Run serves the local proxy and probes for signal until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.opts.ProxyAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.opts.ProxyAddr, err)
	}
	e.logger.Info("local proxy listening", zap.String("addr", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Serve(ctx, ln)
	})
	g.Go(func() error {
		e.RunProbe(ctx)
		return nil
	})
	err = g.Wait()

	e.dropSession("shutting down")
	return err
}

// RunProbe checks for signal right away and then on every interval
func (e *Engine) RunProbe(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	ticker := e.clock.Ticker(e.opts.ProbeInterval)
	defer ticker.Stop()

	e.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Probe(ctx)
		}
	}
}

// Probe performs one reachability check against the broker and acts on a
// change of signal. It reports whether the broker answered.
func (e *Engine) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	_, err := e.broker.Status(probeCtx)
	cancel()
	up := err == nil

	e.mu.Lock()
	was := e.signal
	e.signal = up
	e.mu.Unlock()

	switch {
	case up && !was:
		e.logger.Info("signal found")
		e.onSignal(ctx)
	case !up && was:
		e.logger.Info("signal lost", zap.Error(err))
		e.dropSession("signal lost")
	}
	return up
}

// HasSignal reports the last probe result
func (e *Engine) HasSignal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signal
}

// Relay returns the relay of the current session, if any
func (e *Engine) Relay() (services.RelayInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return services.RelayInfo{}, false
	}
	return *e.relay, true
}

func (e *Engine) onSignal(ctx context.Context) {
	result, err := Drain(ctx, e.queue, e.broker, e.clock, e.logger)
	if err != nil {
		e.logger.Warn("failed to drain local queue", zap.Error(err))
	} else if result.Attempted > 0 {
		e.logger.Info("local queue drained",
			zap.Int("delivered", result.Delivered), zap.Int("failed", result.Failed))
	}

	if err := e.Reconnect(ctx); err != nil {
		if errors.Is(err, client.ErrNoRelay) {
			e.logger.Info("no relay available, staying in DTN mode")
		} else {
			e.logger.Warn("failed to establish relay session", zap.Error(err))
		}
		// the window was not used: retry on the next probe
		e.mu.Lock()
		e.signal = false
		e.mu.Unlock()
	}
}

// Reconnect registers, opens the tunnel and asks the broker for a relay.
// Without a relay the tunnel is closed again so the node is never offered
// as a relay itself.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.dropSession("reconnecting")

	if _, err := e.broker.Register(ctx, e.opts.Registration); err != nil {
		return err
	}

	tc, err := e.dial(ctx)
	if err != nil {
		return err
	}

	info, err := e.broker.Connect(ctx, e.opts.UserID, e.opts.Profile)
	if err != nil {
		tc.Close()
		return err
	}

	e.mu.Lock()
	runCtx := e.runCtx
	e.relay = info
	e.tunnel = tc
	e.mu.Unlock()

	go func() {
		if err := tc.Run(runCtx); err != nil {
			e.logger.Warn("tunnel closed", zap.Error(err))
		}
		e.lost(tc, "tunnel closed")
	}()

	e.logger.Info("relay session established",
		zap.String("relay_id", info.NodeID),
		zap.String("country", info.Country),
		zap.Float64("score", info.Score))
	return nil
}

// lost ends the session on tc when its tunnel dies or the broker reports
// the relay gone. The signal is cleared so the next successful probe drains
// the queue and asks for a relay again.
func (e *Engine) lost(tc *client.TunnelClient, reason string) {
	e.mu.Lock()
	if e.tunnel != tc {
		e.mu.Unlock()
		return
	}
	e.tunnel = nil
	e.relay = nil
	e.signal = false
	e.mu.Unlock()

	tc.Close()
	e.logger.Info("relay session lost", zap.String("reason", reason))
}

func (e *Engine) dropSession(reason string) {
	e.mu.Lock()
	tc := e.tunnel
	hadRelay := e.relay != nil
	e.tunnel = nil
	e.relay = nil
	e.mu.Unlock()

	if tc != nil {
		tc.Close()
	}
	if hadRelay {
		e.logger.Debug("relay session dropped", zap.String("reason", reason))
	}
}

// session returns the tunnel of a live relay session, if any
func (e *Engine) session() *client.TunnelClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.relay == nil {
		return nil
	}
	return e.tunnel
}
