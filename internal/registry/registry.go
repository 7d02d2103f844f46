package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	// ErrUnknownNode is returned for operations on a node that never registered
	ErrUnknownNode = errors.New("unknown node")
	// ErrNoChannel is returned when a status requires an open duplex channel
	ErrNoChannel = errors.New("node has no open channel")
)

// Channel is an open duplex transport to a node
type Channel interface {
	Send(frame any) error
	Close() error
}

// NodeStore is the slice of the durable store the registry writes to
type NodeStore interface {
	UpsertNode(ctx context.Context, node models.Node) error
	SetNodeStatus(ctx context.Context, userID string, status models.NodeStatus) error
}

// Options tune the liveness rules
type Options struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
}

// Registry is the table of known nodes, their liveness and their open channels.
// Every method runs as one critical section; durable writes happen after the
// lock is released.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]*models.Node
	order    []string
	channels map[string]Channel

	store  NodeStore
	clock  clock.Clock
	opts   Options
	logger *zap.Logger
}

// New creates an empty registry
func New(store NodeStore, clk clock.Clock, opts Options, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if opts.LivenessWindow == 0 {
		opts.LivenessWindow = 60 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Registry{
		nodes:    make(map[string]*models.Node),
		channels: make(map[string]Channel),
		store:    store,
		clock:    clk,
		opts:     opts,
		logger:   logger.Named("registry"),
	}
}

// Clock returns the time source shared with the registry
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// Register upserts a node and marks it online. Persistence failures are
// logged and do not undo the in-memory registration.
func (r *Registry) Register(ctx context.Context, userID string, attrs models.NodeAttrs) models.Node {
	now := r.clock.Now()

	r.mu.Lock()
	node, ok := r.nodes[userID]
	if !ok {
		node = &models.Node{UserID: userID, RegisteredAt: now}
		r.nodes[userID] = node
		r.order = append(r.order, userID)
	}
	node.Country = attrs.Country
	node.BandwidthMbps = attrs.BandwidthMbps
	node.PublicKey = attrs.PublicKey
	node.FamilyGroup = attrs.FamilyGroup
	node.RemoteAddr = attrs.RemoteAddr
	node.Status = models.StatusOnline
	node.LastSeen = now
	snapshot := r.snapshotLocked(node)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertNode(ctx, snapshot); err != nil {
			r.logger.Warn("failed to persist node registration", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return snapshot
}

// Touch records a heartbeat: refreshes last-seen and forces the node online
func (r *Registry) Touch(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[userID]
	if !ok {
		return false
	}
	node.LastSeen = r.clock.Now()
	node.Status = models.StatusOnline
	return true
}

// Seen refreshes last-seen without touching the status
func (r *Registry) Seen(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[userID]
	if !ok {
		return false
	}
	node.LastSeen = r.clock.Now()
	return true
}

// SetStatus changes the status of a known node. A node may only be relaying
// while it holds an open channel.
func (r *Registry) SetStatus(userID string, status models.NodeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, userID)
	}
	if status == models.StatusRelaying && r.channels[userID] == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, userID)
	}
	node.Status = status
	return nil
}

// MarkOffline forces a node offline and mirrors the change to the store
func (r *Registry) MarkOffline(ctx context.Context, userID string) bool {
	r.mu.Lock()
	node, ok := r.nodes[userID]
	if ok {
		node.Status = models.StatusOffline
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		if err := r.store.SetNodeStatus(ctx, userID, models.StatusOffline); err != nil {
			r.logger.Warn("failed to persist offline status", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return ok
}

// AttachChannel binds an open duplex channel to a user id, replacing any
// previous binding. The replaced channel is returned so the caller can close it.
func (r *Registry) AttachChannel(userID string, ch Channel) (previous Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.channels[userID]
	if previous == ch {
		previous = nil
	}
	r.channels[userID] = ch
	return previous
}

// DetachChannel removes the binding only if it still points at ch, so a
// stale close cannot drop a newer channel for the same user.
func (r *Registry) DetachChannel(userID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[userID] != ch {
		return false
	}
	delete(r.channels, userID)
	if node, ok := r.nodes[userID]; ok && node.Status == models.StatusRelaying {
		node.Status = models.StatusOnline
	}
	return true
}

// Channel returns the open channel of a user, if any
func (r *Registry) Channel(userID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[userID]
	return ch, ok
}

// ChannelCount is the number of open duplex channels
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Get returns a snapshot of one node
func (r *Registry) Get(userID string) (models.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[userID]
	if !ok {
		return models.Node{}, false
	}
	return r.snapshotLocked(node), true
}

// ListReachable returns every non-offline node in registration order
func (r *Registry) ListReachable() []models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]models.Node, 0, len(r.order))
	for _, id := range r.order {
		node := r.nodes[id]
		if node.Status == models.StatusOffline {
			continue
		}
		nodes = append(nodes, r.snapshotLocked(node))
	}
	return nodes
}

// All returns every known node in registration order
func (r *Registry) All() []models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]models.Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.snapshotLocked(r.nodes[id]))
	}
	return nodes
}

// Counts returns the number of known nodes and how many are online
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if node.Status == models.StatusOnline {
			online++
		}
	}
	return len(r.nodes), online
}

// CountByStatus returns the number of nodes in each status
func (r *Registry) CountByStatus() map[models.NodeStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[models.NodeStatus]int{
		models.StatusOnline:      0,
		models.StatusDischarging: 0,
		models.StatusRelaying:    0,
		models.StatusOffline:     0,
	}
	for _, node := range r.nodes {
		counts[node.Status]++
	}
	return counts
}

// AddBytesRelayed credits relayed bytes to a node and returns its new total
func (r *Registry) AddBytesRelayed(userID string, n int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[userID]
	if !ok {
		return 0, false
	}
	node.BytesRelayed += n
	return node.BytesRelayed, true
}

// Sweep forces every node silent for longer than the liveness window offline
// and returns the ids it expired.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	for _, id := range r.order {
		node := r.nodes[id]
		if node.Status == models.StatusOffline {
			continue
		}
		if now.Sub(node.LastSeen) > r.opts.LivenessWindow {
			node.Status = models.StatusOffline
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("node expired", zap.String("user_id", id))
		if r.store != nil {
			if err := r.store.SetNodeStatus(ctx, id, models.StatusOffline); err != nil {
				r.logger.Warn("failed to persist expiry", zap.String("user_id", id), zap.Error(err))
			}
		}
	}
	return expired
}

// Run sweeps on a fixed interval until ctx is cancelled
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) snapshotLocked(node *models.Node) models.Node {
	snapshot := *node
	snapshot.HasChannel = r.channels[node.UserID] != nil
	return snapshot
}
