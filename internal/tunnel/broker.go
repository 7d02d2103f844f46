package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/metrics"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/relay"
	"go.uber.org/zap"
)

var (
	// ErrRelayLost is returned when a session's relay has no open channel
	ErrRelayLost = errors.New("relay lost")
	// ErrNoSession is returned when a source has no active session
	ErrNoSession = errors.New("no active session")
)

const (
	relayLostMessage = "relay node lost, reconnect or fall back to DTN"
	dtnModeMessage   = "no relay session, data should be stored in DTN"
)

// SessionStore is the slice of the durable store that records sessions
type SessionStore interface {
	InsertSession(ctx context.Context, session models.TunnelSession) error
	EndSession(ctx context.Context, sourceID string, at time.Time) error
}

// Options tune relay selection
type Options struct {
	RecentSeen time.Duration
}

// ConnectResult is the outcome of a connect request
type ConnectResult struct {
	Relay   relay.Candidate
	Session models.TunnelSession
}

// flowKey identifies one forwarded stream
type flowKey struct {
	source    string
	requestID string
}

// flow is an in-flight forward request. It lives until both directions
// have closed or one side of the tunnel goes away.
type flow struct {
	relayID    string
	target     string
	sourceDone bool
	targetDone bool
}

// Peer is one duplex channel and the identity bound to it
type Peer struct {
	ch     registry.Channel
	mu     sync.Mutex
	userID string
	role   string
}

// NewPeer wraps a freshly opened channel
func NewPeer(ch registry.Channel) *Peer {
	return &Peer{ch: ch}
}

// UserID returns the identity bound by IDENTIFY, if any
func (p *Peer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *Peer) bind(userID, role string) (previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous = p.userID
	p.userID, p.role = userID, role
	return previous
}

// Broker binds channels to node ids, owns the session table and routes
// forwarded streams between sources and their relays.
type Broker struct {
	mu       sync.Mutex
	sessions map[string]models.TunnelSession
	flows    map[flowKey]*flow

	registry *registry.Registry
	store    SessionStore
	metrics  *metrics.Metrics
	opts     Options
	logger   *zap.Logger
}

// NewBroker creates a broker over the node registry
func NewBroker(reg *registry.Registry, store SessionStore, m *metrics.Metrics, opts Options, logger *zap.Logger) *Broker {
	if opts.RecentSeen == 0 {
		opts.RecentSeen = 30 * time.Second
	}
	return &Broker{
		sessions: make(map[string]models.TunnelSession),
		flows:    make(map[flowKey]*flow),
		registry: reg,
		store:    store,
		metrics:  m,
		opts:     opts,
		logger:   logger.Named("tunnel"),
	}
}

// Connect picks the best relay for sourceID and opens a session to it,
// superseding any session the source already had. ok is false when no relay
// is available.
func (b *Broker) Connect(ctx context.Context, sourceID string, profile relay.Profile) (ConnectResult, bool) {
	now := b.registry.Clock().Now()
	best, ok := relay.SelectBestRelay(sourceID, profile, b.registry.ListReachable(), now, b.opts.RecentSeen)
	if !ok {
		return ConnectResult{}, false
	}

	session := models.TunnelSession{
		SourceID:  sourceID,
		RelayID:   best.Node.UserID,
		StartedAt: now,
		Status:    models.SessionActive,
	}
	b.mu.Lock()
	_, superseded := b.sessions[sourceID]
	b.sessions[sourceID] = session
	b.mu.Unlock()

	if err := b.registry.SetStatus(sourceID, models.StatusDischarging); err != nil && !errors.Is(err, registry.ErrUnknownNode) {
		b.logger.Warn("failed to mark source discharging", zap.String("user_id", sourceID), zap.Error(err))
	}

	if ch, ok := b.registry.Channel(best.Node.UserID); ok {
		notice := RelayRequest{FromUserID: sourceID, Message: fmt.Sprintf("you will relay traffic for %s", sourceID)}
		if err := ch.Send(notice); err != nil {
			b.logger.Warn("failed to notify relay", zap.String("relay_id", best.Node.UserID), zap.Error(err))
		}
	}

	if b.store != nil {
		if superseded {
			if err := b.store.EndSession(ctx, sourceID, now); err != nil {
				b.logger.Warn("failed to end superseded session", zap.String("source_id", sourceID), zap.Error(err))
			}
		}
		if err := b.store.InsertSession(ctx, session); err != nil {
			b.logger.Warn("failed to persist session", zap.String("source_id", sourceID), zap.Error(err))
		}
	}

	b.logger.Info("tunnel session opened",
		zap.String("source_id", sourceID),
		zap.String("relay_id", session.RelayID),
		zap.Float64("score", best.Score))
	return ConnectResult{Relay: best, Session: session}, true
}

// EndSession drops the active session of a source, if any
func (b *Broker) EndSession(ctx context.Context, sourceID string) bool {
	b.mu.Lock()
	_, ok := b.sessions[sourceID]
	delete(b.sessions, sourceID)
	b.mu.Unlock()

	if ok && b.store != nil {
		if err := b.store.EndSession(ctx, sourceID, b.registry.Clock().Now()); err != nil {
			b.logger.Warn("failed to persist session end", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	return ok
}

// Session returns the active session of a source
func (b *Broker) Session(sourceID string) (models.TunnelSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sourceID]
	return s, ok
}

// SessionCount is the number of active sessions
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// InFlight is the number of forwarded streams still open
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.flows)
}

// Serve runs the read loop of one channel until it closes or ctx is done
func (b *Broker) Serve(ctx context.Context, conn *Conn) {
	peer := NewPeer(conn)
	defer b.Closed(context.WithoutCancel(ctx), peer)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		frame, err := conn.Receive()
		if err != nil {
			if IsSkippable(err) {
				b.logger.Debug("frame skipped", zap.String("user_id", peer.UserID()), zap.Error(err))
				continue
			}
			if ctx.Err() == nil {
				b.logger.Debug("channel read ended", zap.String("user_id", peer.UserID()), zap.Error(err))
			}
			return
		}
		b.Handle(ctx, peer, frame)
	}
}

// Handle dispatches one inbound frame from peer
func (b *Broker) Handle(ctx context.Context, peer *Peer, frame Frame) {
	switch f := frame.(type) {
	case Identify:
		b.identify(ctx, peer, f)
	case Forward:
		b.forward(peer, f)
	case Response:
		b.respond(peer, f)
	case Ping:
		b.ping(peer)
	default:
		b.logger.Debug("ignoring frame", zap.String("type", fmt.Sprintf("%T", frame)))
	}
}

func (b *Broker) identify(ctx context.Context, peer *Peer, f Identify) {
	if previous := peer.bind(f.UserID, f.Role); previous != "" && previous != f.UserID {
		b.release(ctx, previous, peer.ch)
	}
	if stale := b.registry.AttachChannel(f.UserID, peer.ch); stale != nil {
		stale.Close()
	}
	b.registry.Touch(f.UserID)

	b.logger.Info("channel identified", zap.String("user_id", f.UserID), zap.String("role", f.Role))
	b.send(peer.ch, Identified{UserID: f.UserID, Role: f.Role})
}

func (b *Broker) forward(peer *Peer, f Forward) {
	sourceID := peer.UserID()
	if sourceID == "" {
		b.logger.Warn("forward from unidentified channel dropped", zap.String("request_id", f.RequestID))
		return
	}
	key := flowKey{source: sourceID, requestID: f.RequestID}

	b.mu.Lock()
	session, ok := b.sessions[sourceID]
	b.mu.Unlock()
	if !ok {
		b.metrics.ObserveForward(metrics.ResultNoSession)
		b.send(peer.ch, DTNMode{RequestID: f.RequestID, Message: dtnModeMessage})
		return
	}

	relayCh, ok := b.registry.Channel(session.RelayID)
	if !ok {
		b.lose(key)
		b.metrics.ObserveForward(metrics.ResultRelayLost)
		b.send(peer.ch, RelayLost{RequestID: f.RequestID, Message: relayLostMessage})
		return
	}

	b.mu.Lock()
	fl, tracked := b.flows[key]
	if !tracked {
		fl = &flow{relayID: session.RelayID, target: f.Target}
		b.flows[key] = fl
	}
	target := fl.target
	if f.Close {
		fl.sourceDone = true
		b.settleLocked(key, fl)
	}
	b.mu.Unlock()

	err := relayCh.Send(ForwardToTarget{
		FromUserID: sourceID,
		RequestID:  f.RequestID,
		Target:     target,
		Payload:    f.Payload,
		Close:      f.Close,
	})
	if err != nil {
		b.logger.Warn("failed to forward to relay",
			zap.String("relay_id", session.RelayID), zap.String("request_id", f.RequestID), zap.Error(err))
		b.lose(key)
		b.metrics.ObserveForward(metrics.ResultRelayLost)
		b.send(peer.ch, RelayLost{RequestID: f.RequestID, Message: relayLostMessage})
		return
	}
	b.metrics.ObserveForward(metrics.ResultForwarded)
	b.metrics.AddBytesRelayed(len(f.Payload))
}

// respond routes relay output to the source. Only the relay a stream was
// forwarded to may answer on it; anything else, and any response for a
// source whose channel has closed, is dropped.
func (b *Broker) respond(peer *Peer, f Response) {
	relayID := peer.UserID()
	key := flowKey{source: f.ToUserID, requestID: f.RequestID}

	b.mu.Lock()
	fl, ok := b.flows[key]
	if !ok || fl.relayID != relayID {
		b.mu.Unlock()
		b.logger.Debug("response for unknown stream dropped",
			zap.String("relay_id", relayID), zap.String("source_id", f.ToUserID), zap.String("request_id", f.RequestID))
		return
	}
	if f.Close {
		fl.targetDone = true
		b.settleLocked(key, fl)
	}
	b.mu.Unlock()
	b.registry.Seen(relayID)

	sourceCh, ok := b.registry.Channel(f.ToUserID)
	if !ok {
		b.logger.Debug("response dropped, source channel closed",
			zap.String("source_id", f.ToUserID), zap.String("request_id", f.RequestID))
		return
	}
	if err := sourceCh.Send(ResponseToSource{RequestID: f.RequestID, Payload: f.Payload, Close: f.Close}); err != nil {
		b.logger.Warn("failed to deliver response", zap.String("source_id", f.ToUserID), zap.Error(err))
		return
	}
	b.metrics.AddBytesRelayed(len(f.Payload))
}

func (b *Broker) ping(peer *Peer) {
	if userID := peer.UserID(); userID != "" {
		b.registry.Seen(userID)
	}
	b.send(peer.ch, Pong{Timestamp: b.registry.Clock().Now().UnixMilli()})
}

// Closed tears down everything bound to a channel that went away: its
// registry binding, its session as a source and every stream it carried.
// A channel that was already replaced by a newer one only closes itself.
func (b *Broker) Closed(ctx context.Context, peer *Peer) {
	peer.ch.Close()
	userID := peer.UserID()
	if userID == "" {
		return
	}
	b.release(ctx, userID, peer.ch)
}

func (b *Broker) release(ctx context.Context, userID string, ch registry.Channel) {
	if !b.registry.DetachChannel(userID, ch) {
		return
	}

	type notice struct {
		to    string
		frame Frame
	}
	var notices []notice

	b.mu.Lock()
	_, hadSession := b.sessions[userID]
	delete(b.sessions, userID)
	for key, fl := range b.flows {
		switch {
		case key.source == userID:
			notices = append(notices, notice{to: fl.relayID, frame: ForwardToTarget{
				FromUserID: userID, RequestID: key.requestID, Target: fl.target, Close: true}})
			delete(b.flows, key)
		case fl.relayID == userID:
			notices = append(notices, notice{to: key.source, frame: RelayLost{
				RequestID: key.requestID, Message: relayLostMessage}})
			delete(b.flows, key)
		}
	}
	b.mu.Unlock()

	for _, n := range notices {
		if ch, ok := b.registry.Channel(n.to); ok {
			b.send(ch, n.frame)
		}
	}

	b.registry.MarkOffline(ctx, userID)
	if hadSession && b.store != nil {
		if err := b.store.EndSession(ctx, userID, b.registry.Clock().Now()); err != nil {
			b.logger.Warn("failed to persist session end", zap.String("source_id", userID), zap.Error(err))
		}
	}
	b.logger.Info("channel closed", zap.String("user_id", userID), zap.Int("streams_torn_down", len(notices)))
}

func (b *Broker) lose(key flowKey) {
	b.mu.Lock()
	delete(b.flows, key)
	b.mu.Unlock()
}

func (b *Broker) settleLocked(key flowKey, fl *flow) {
	if fl.sourceDone && fl.targetDone {
		delete(b.flows, key)
	}
}

func (b *Broker) send(ch registry.Channel, frame Frame) {
	if err := ch.Send(frame); err != nil {
		b.logger.Warn("failed to send frame", zap.String("type", string(frame.wire().Type)), zap.Error(err))
	}
}
