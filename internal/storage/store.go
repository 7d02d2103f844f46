package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
)

// Store is the durable backend contract the broker writes through.
// Every call is best effort from the caller's point of view: failures are
// logged and the in-memory state stays authoritative.
type Store interface {
	UpsertNode(ctx context.Context, node models.Node) error
	SetNodeStatus(ctx context.Context, userID string, status models.NodeStatus) error
	InsertMessage(ctx context.Context, msg models.DTNMessage) error
	MarkDelivered(ctx context.Context, msg models.DTNMessage, at time.Time) error
	PendingMessages(ctx context.Context) ([]models.DTNMessage, error)
	InsertSession(ctx context.Context, session models.TunnelSession) error
	EndSession(ctx context.Context, sourceID string, at time.Time) error
	AddBandwidth(ctx context.Context, report models.BandwidthReport) error
	Close()
}

// Memory is a process-local Store used when no database is configured
type Memory struct {
	mu        sync.Mutex
	nodes     map[string]models.Node
	messages  map[string]models.DTNMessage
	order     []string
	sessions  []models.TunnelSession
	bandwidth []models.BandwidthReport
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		nodes:    make(map[string]models.Node),
		messages: make(map[string]models.DTNMessage),
	}
}

func (m *Memory) UpsertNode(_ context.Context, node models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.UserID] = node
	return nil
}

func (m *Memory) SetNodeStatus(_ context.Context, userID string, status models.NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node, ok := m.nodes[userID]; ok {
		node.Status = status
		m.nodes[userID] = node
	}
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, msg models.DTNMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) MarkDelivered(_ context.Context, msg models.DTNMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	msg.Status = models.MessageDelivered
	msg.DeliveredAt = &at
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) PendingMessages(_ context.Context) ([]models.DTNMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []models.DTNMessage
	for _, id := range m.order {
		if msg := m.messages[id]; msg.Status == models.MessagePending {
			pending = append(pending, msg)
		}
	}
	return pending, nil
}

func (m *Memory) InsertSession(_ context.Context, session models.TunnelSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, session)
	return nil
}

func (m *Memory) EndSession(_ context.Context, sourceID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].SourceID == sourceID && m.sessions[i].Status == models.SessionActive {
			m.sessions[i].Status = models.SessionEnded
		}
	}
	return nil
}

func (m *Memory) AddBandwidth(_ context.Context, report models.BandwidthReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bandwidth = append(m.bandwidth, report)
	if node, ok := m.nodes[report.UserID]; ok {
		node.BytesRelayed += report.BytesRelayed
		m.nodes[report.UserID] = node
	}
	return nil
}

// Node returns the stored record for a user
func (m *Memory) Node(userID string) (models.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[userID]
	return node, ok
}

// Message returns the stored record for a message id
func (m *Memory) Message(id string) (models.DTNMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// Sessions returns a copy of every session row
func (m *Memory) Sessions() []models.TunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TunnelSession(nil), m.sessions...)
}

func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
