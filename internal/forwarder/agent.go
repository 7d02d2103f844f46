package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/client"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the slice of the broker API a relay uses
type API interface {
	BandwidthReporter
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResponse, error)
	Heartbeat(ctx context.Context, userID string) (*services.HeartbeatResponse, error)
}

// TunnelDialer opens an identified relay channel that hands forwarded
// frames to onForward
type TunnelDialer func(ctx context.Context, onForward client.ForwardHandler) (*client.TunnelClient, error)

// AgentOptions tune the relay agent
type AgentOptions struct {
	Registration      services.RegisterRequest
	HeartbeatInterval time.Duration
	ReportInterval    time.Duration
	MinReportBytes    int64
}

// Agent keeps a relay registered, reachable through an open tunnel and
// credited for the bytes it carries.
type Agent struct {
	api       API
	dial      TunnelDialer
	forwarder *Forwarder
	clock     clock.Clock
	opts      AgentOptions
	logger    *zap.Logger

	mu         sync.Mutex
	registered bool
	tunnel     *client.TunnelClient
}

// NewAgent creates a relay agent around f
func NewAgent(api API, dial TunnelDialer, f *Forwarder, clk clock.Clock, opts AgentOptions, logger *zap.Logger) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	return &Agent{
		api:       api,
		dial:      dial,
		forwarder: f,
		clock:     clk,
		opts:      opts,
		logger:    logger.Named("relay-agent"),
	}
}

// Run registers, opens the tunnel and keeps both alive until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	a.Tick(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := a.clock.Ticker(a.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.Tick(ctx)
			}
		}
	})
	g.Go(func() error {
		a.forwarder.RunReporter(ctx, a.clock, a.api, a.opts.ReportInterval, a.opts.MinReportBytes)
		return nil
	})
	err := g.Wait()

	a.mu.Lock()
	tc := a.tunnel
	a.tunnel = nil
	a.mu.Unlock()
	if tc != nil {
		tc.Close()
	}
	a.forwarder.Close()
	return err
}

// Tick performs one heartbeat round: register when the broker does not know
// the node, heartbeat otherwise, and redial the tunnel if it is down.
func (a *Agent) Tick(ctx context.Context) {
	a.mu.Lock()
	registered := a.registered
	a.mu.Unlock()

	if registered {
		resp, err := a.api.Heartbeat(ctx, a.opts.Registration.UserID)
		switch {
		case err != nil:
			a.logger.Warn("heartbeat failed", zap.Error(err))
		case !resp.Success:
			a.logger.Info("broker forgot this node, registering again")
			registered = false
		}
	}
	if !registered {
		resp, err := a.api.Register(ctx, a.opts.Registration)
		if err != nil {
			a.logger.Warn("failed to register", zap.Error(err))
			return
		}
		a.logger.Info("registered",
			zap.Int("nodes_active", resp.NodesActifs),
			zap.Int("dtn_released", resp.MessagesDTNLiberes))
		a.mu.Lock()
		a.registered = true
		a.mu.Unlock()
	}

	a.ensureTunnel(ctx)
}

func (a *Agent) ensureTunnel(ctx context.Context) {
	a.mu.Lock()
	open := a.tunnel != nil
	a.mu.Unlock()
	if open {
		return
	}

	tc, err := a.dial(ctx, a.forwarder.Handle)
	if err != nil {
		a.logger.Warn("failed to open tunnel", zap.Error(err))
		return
	}
	a.forwarder.Attach(tc)

	a.mu.Lock()
	a.tunnel = tc
	a.mu.Unlock()
	a.logger.Info("tunnel open, accepting relay traffic")

	go func() {
		if err := tc.Run(ctx); err != nil {
			a.logger.Warn("tunnel closed", zap.Error(err))
		}
		a.mu.Lock()
		if a.tunnel == tc {
			a.tunnel = nil
		}
		a.mu.Unlock()
	}()
}

// Connected reports whether the relay tunnel is open
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tunnel != nil
}
