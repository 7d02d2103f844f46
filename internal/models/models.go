package models

import (
	"time"
)

// NodeStatus is the liveness state of a node as seen by the broker
type NodeStatus string

const (
	StatusOnline      NodeStatus = "online"
	StatusDischarging NodeStatus = "discharging"
	StatusRelaying    NodeStatus = "relaying"
	StatusOffline     NodeStatus = "offline"
)

// Node represents a device known to the broker
type Node struct {
	UserID        string     `db:"user_id" json:"userId"`
	Country       string     `db:"country" json:"country"`
	BandwidthMbps float64    `db:"bandwidth_available_mbps" json:"bandwidthMbps"`
	PublicKey     string     `db:"public_key" json:"publicKey"`
	FamilyGroup   string     `db:"family_group" json:"familyGroup,omitempty"`
	Status        NodeStatus `db:"status" json:"status"`
	LastSeen      time.Time  `db:"last_seen" json:"lastSeen"`
	RemoteAddr    string     `db:"ip_address" json:"-"`
	BytesRelayed  int64      `db:"bytes_relayed" json:"bytesRelayed"`
	HasChannel    bool       `db:"-" json:"hasTunnel"`
	RegisteredAt  time.Time  `db:"created_at" json:"-"`
}

// NodeAttrs are the attributes a node advertises when it registers
type NodeAttrs struct {
	Country       string
	BandwidthMbps float64
	PublicKey     string
	FamilyGroup   string
	RemoteAddr    string
}

// SessionStatus is the state of a tunnel session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// TunnelSession binds one source node to the relay carrying its traffic
type TunnelSession struct {
	SourceID  string        `db:"source_user_id" json:"sourceId"`
	RelayID   string        `db:"relay_user_id" json:"relayId"`
	StartedAt time.Time     `db:"started_at" json:"startedAt"`
	Status    SessionStatus `db:"status" json:"status"`
}

// MessageStatus is the delivery state of a DTN message
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
)

// DTNMessage is a payload held until its destination becomes reachable
type DTNMessage struct {
	ID          string        `db:"id" json:"id"`
	Payload     []byte        `db:"encrypted_payload" json:"payload"`
	FromUser    string        `db:"from_user_id" json:"fromUser"`
	ToUser      string        `db:"to_user_id" json:"toUser,omitempty"`
	Type        string        `db:"type" json:"type"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	Attempts    int           `db:"attempts" json:"attempts"`
	Status      MessageStatus `db:"status" json:"status"`
	DeliveredAt *time.Time    `db:"delivered_at" json:"deliveredAt,omitempty"`
}

// BandwidthReport is a relay's usage report used for credit accounting
type BandwidthReport struct {
	UserID       string    `db:"user_id" json:"userId"`
	BytesRelayed int64     `db:"bytes_relayed" json:"bytesRelayed"`
	ReportedAt   time.Time `db:"reported_at" json:"reportedAt"`
}
