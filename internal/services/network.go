package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/metrics"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/relay"
	"github.com/Klein241/bufferwave/internal/storage"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"go.uber.org/zap"
)

const (
	NetworkName = "BufferWave Cooperative Network"
	Version     = "3.0"

	ModeCooperativeRelay = "cooperative_relay"
	ModeDTNIsolation     = "dtn_isolation"
	ModeDTNStored        = "dtn_stored"

	defaultCountry   = "OTHER"
	defaultBandwidth = 5.0
	isolationMessage = "no relay node available, DTN mode enabled"
)

// NetworkService handles the broker's node, relay and DTN operations
type NetworkService struct {
	registry  *registry.Registry
	queue     *dtn.Queue
	broker    *tunnel.Broker
	store     storage.Store
	metrics   *metrics.Metrics
	startedAt time.Time
	logger    *zap.Logger
}

// NewNetworkService creates a new network service
func NewNetworkService(reg *registry.Registry, queue *dtn.Queue, broker *tunnel.Broker, store storage.Store, m *metrics.Metrics, logger *zap.Logger) *NetworkService {
	return &NetworkService{
		registry:  reg,
		queue:     queue,
		broker:    broker,
		store:     store,
		metrics:   m,
		startedAt: reg.Clock().Now(),
		logger:    logger.Named("network"),
	}
}

// RegisterRequest represents a node registration request
type RegisterRequest struct {
	UserID        string   `json:"userId" binding:"required"`
	Country       string   `json:"country"`
	BandwidthMbps *float64 `json:"bandwidthMbps" binding:"omitempty,gte=0"`
	PublicKey     string   `json:"publicKey"`
	FamilyGroup   string   `json:"familyGroup"`
}

// RegisterResponse represents a node registration response
type RegisterResponse struct {
	Success            bool `json:"success"`
	NodesActifs        int  `json:"nodesActifs"`
	MessagesDTNLiberes int  `json:"messagesDTNLiberes"`
}

// ConnectRequest asks the broker for a relay
type ConnectRequest struct {
	UserID      string        `json:"userId" binding:"required"`
	UserProfile relay.Profile `json:"userProfile"`
}

// RelayInfo describes the relay picked for a source
type RelayInfo struct {
	NodeID        string  `json:"nodeId"`
	Country       string  `json:"country"`
	BandwidthMbps float64 `json:"bandwidthMbps"`
	PublicKey     string  `json:"publicKey"`
	Score         float64 `json:"score"`
}

// ConnectResponse is either a cooperative relay or DTN isolation
type ConnectResponse struct {
	Success     bool       `json:"success"`
	Mode        string     `json:"mode"`
	Relay       *RelayInfo `json:"relay,omitempty"`
	Message     string     `json:"message,omitempty"`
	NodesActifs *int       `json:"nodesActifs,omitempty"`
}

// StoreRequest holds an opaque payload for later delivery
type StoreRequest struct {
	FromUser         string `json:"fromUser" binding:"required"`
	ToUser           string `json:"toUser"`
	EncryptedPayload string `json:"encryptedPayload" binding:"required"`
	Type             string `json:"type"`
}

// StoreResponse represents a stored DTN message
type StoreResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Mode      string `json:"mode"`
	QueueSize int    `json:"queueSize"`
}

// UserRequest is the body of requests naming only a user
type UserRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// HeartbeatResponse represents a heartbeat acknowledgement
type HeartbeatResponse struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
}

// BandwidthRequest is a relay's usage report
type BandwidthRequest struct {
	UserID       string `json:"userId" binding:"required"`
	BytesRelayed int64  `json:"bytesRelayed" binding:"required,gt=0"`
}

// BandwidthResponse carries the relay's running total
type BandwidthResponse struct {
	Success           bool  `json:"success"`
	TotalBytesRelayed int64 `json:"totalBytesRelayed"`
}

// NodeView is one entry of the node listing
type NodeView struct {
	ID            string            `json:"id"`
	Country       string            `json:"country"`
	Status        models.NodeStatus `json:"status"`
	BandwidthMbps float64           `json:"bandwidthMbps"`
	LastSeen      int64             `json:"lastSeen"`
	HasTunnel     bool              `json:"hasTunnel"`
}

// NodesResponse lists the reachable nodes
type NodesResponse struct {
	Nodes        []NodeView `json:"nodes"`
	Total        int        `json:"total"`
	DTNQueueSize int        `json:"dtnQueueSize"`
}

// StatusResponse summarizes the broker
type StatusResponse struct {
	Network string `json:"network"`
	Version string `json:"version"`
	Nodes   struct {
		Total  int `json:"total"`
		Online int `json:"online"`
	} `json:"nodes"`
	Tunnels struct {
		Active   int `json:"active"`
		Channels int `json:"channels"`
	} `json:"tunnels"`
	DTN struct {
		QueueSize int `json:"queueSize"`
	} `json:"dtn"`
	Uptime float64 `json:"uptime"`
}

// Register upserts a node and releases every DTN message it is part of
func (s *NetworkService) Register(ctx context.Context, req RegisterRequest, remoteAddr string) RegisterResponse {
	attrs := models.NodeAttrs{
		Country:       req.Country,
		BandwidthMbps: defaultBandwidth,
		PublicKey:     req.PublicKey,
		FamilyGroup:   req.FamilyGroup,
		RemoteAddr:    remoteAddr,
	}
	if attrs.Country == "" {
		attrs.Country = defaultCountry
	}
	if req.BandwidthMbps != nil {
		attrs.BandwidthMbps = *req.BandwidthMbps
	}
	if attrs.PublicKey == "" {
		attrs.PublicKey = req.UserID
	}

	s.registry.Register(ctx, req.UserID, attrs)
	released := s.release(ctx, req.UserID)
	total, _ := s.registry.Counts()

	s.logger.Info("node registered",
		zap.String("user_id", req.UserID),
		zap.String("country", attrs.Country),
		zap.Int("released", released))
	return RegisterResponse{Success: true, NodesActifs: total, MessagesDTNLiberes: released}
}

// Connect assigns the best relay to a source or reports DTN isolation
func (s *NetworkService) Connect(ctx context.Context, req ConnectRequest) ConnectResponse {
	res, ok := s.broker.Connect(ctx, req.UserID, req.UserProfile)
	if !ok {
		total, _ := s.registry.Counts()
		s.logger.Info("no relay available", zap.String("user_id", req.UserID))
		return ConnectResponse{
			Success:     false,
			Mode:        ModeDTNIsolation,
			Message:     isolationMessage,
			NodesActifs: &total,
		}
	}

	node := res.Relay.Node
	return ConnectResponse{
		Success: true,
		Mode:    ModeCooperativeRelay,
		Relay: &RelayInfo{
			NodeID:        node.UserID,
			Country:       node.Country,
			BandwidthMbps: node.BandwidthMbps,
			PublicKey:     node.PublicKey,
			Score:         res.Relay.Score,
		},
	}
}

// Store queues a payload and releases it at once if the destination is online
func (s *NetworkService) Store(ctx context.Context, req StoreRequest) (StoreResponse, error) {
	msg, err := s.queue.Enqueue(ctx, dtn.Entry{
		FromUser: req.FromUser,
		ToUser:   req.ToUser,
		Payload:  []byte(req.EncryptedPayload),
		Type:     req.Type,
	})
	if err != nil {
		return StoreResponse{}, fmt.Errorf("failed to store message: %w", err)
	}

	if req.ToUser != "" {
		if node, ok := s.registry.Get(req.ToUser); ok && node.Status == models.StatusOnline {
			s.release(ctx, req.ToUser)
		}
	}

	return StoreResponse{
		Success:   true,
		MessageID: msg.ID,
		Mode:      ModeDTNStored,
		QueueSize: s.queue.Size(),
	}, nil
}

// Heartbeat refreshes a node's liveness and releases its DTN messages.
// Success is false for a node the broker does not know, which tells the
// device to register again.
func (s *NetworkService) Heartbeat(ctx context.Context, userID string) HeartbeatResponse {
	now := s.registry.Clock().Now()
	if !s.registry.Touch(userID) {
		return HeartbeatResponse{Success: false, Timestamp: now.UnixMilli()}
	}
	s.release(ctx, userID)
	return HeartbeatResponse{Success: true, Timestamp: now.UnixMilli()}
}

// Disconnect marks a node offline and drops its session
func (s *NetworkService) Disconnect(ctx context.Context, userID string) {
	s.registry.MarkOffline(ctx, userID)
	s.broker.EndSession(ctx, userID)
	s.logger.Info("node disconnected", zap.String("user_id", userID))
}

// Bandwidth credits a relay with relayed bytes
func (s *NetworkService) Bandwidth(ctx context.Context, req BandwidthRequest) (BandwidthResponse, error) {
	total, ok := s.registry.AddBytesRelayed(req.UserID, req.BytesRelayed)
	if !ok {
		return BandwidthResponse{}, fmt.Errorf("%w: %s", registry.ErrUnknownNode, req.UserID)
	}
	s.registry.Seen(req.UserID)

	if s.store != nil {
		report := models.BandwidthReport{
			UserID:       req.UserID,
			BytesRelayed: req.BytesRelayed,
			ReportedAt:   s.registry.Clock().Now(),
		}
		if err := s.store.AddBandwidth(ctx, report); err != nil {
			s.logger.Warn("failed to persist bandwidth report", zap.String("user_id", req.UserID), zap.Error(err))
		}
	}
	return BandwidthResponse{Success: true, TotalBytesRelayed: total}, nil
}

// Nodes lists every reachable node
func (s *NetworkService) Nodes() NodesResponse {
	reachable := s.registry.ListReachable()
	views := make([]NodeView, 0, len(reachable))
	for _, n := range reachable {
		views = append(views, NodeView{
			ID:            n.UserID,
			Country:       n.Country,
			Status:        n.Status,
			BandwidthMbps: n.BandwidthMbps,
			LastSeen:      n.LastSeen.UnixMilli(),
			HasTunnel:     n.HasChannel,
		})
	}
	return NodesResponse{Nodes: views, Total: len(views), DTNQueueSize: s.queue.Size()}
}

// Status summarizes nodes, tunnels and the DTN queue
func (s *NetworkService) Status() StatusResponse {
	var resp StatusResponse
	resp.Network = NetworkName
	resp.Version = Version
	resp.Nodes.Total, resp.Nodes.Online = s.registry.Counts()
	resp.Tunnels.Active = s.broker.SessionCount()
	resp.Tunnels.Channels = s.registry.ChannelCount()
	resp.DTN.QueueSize = s.queue.Size()
	resp.Uptime = s.registry.Clock().Since(s.startedAt).Seconds()
	return resp
}

// NodeCounts reports the number of nodes per status
func (s *NetworkService) NodeCounts() map[string]int {
	counts := make(map[string]int)
	for status, n := range s.registry.CountByStatus() {
		counts[string(status)] = n
	}
	return counts
}

func (s *NetworkService) ChannelCount() int { return s.registry.ChannelCount() }
func (s *NetworkService) SessionCount() int { return s.broker.SessionCount() }
func (s *NetworkService) QueueSize() int    { return s.queue.Size() }

func (s *NetworkService) release(ctx context.Context, userID string) int {
	released := s.queue.Release(ctx, userID)
	s.metrics.AddReleased(released)
	return released
}

var _ metrics.State = (*NetworkService)(nil)
