package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType tags every frame on the /tunnel channel
type FrameType string

const (
	TypeIdentify         FrameType = "IDENTIFY"
	TypeIdentified       FrameType = "IDENTIFIED"
	TypeRelayRequest     FrameType = "RELAY_REQUEST"
	TypeForward          FrameType = "FORWARD"
	TypeForwardToTarget  FrameType = "FORWARD_TO_TARGET"
	TypeResponse         FrameType = "RESPONSE"
	TypeResponseToSource FrameType = "RESPONSE_TO_SOURCE"
	TypeRelayLost        FrameType = "RELAY_LOST"
	TypeDTNMode          FrameType = "DTN_MODE"
	TypePing             FrameType = "PING"
	TypePong             FrameType = "PONG"
)

// Roles a node announces in IDENTIFY
const (
	RoleRelay  = "relay"
	RoleClient = "client"
)

var (
	// ErrUnknownFrame is returned for a frame type outside the protocol
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrInvalidFrame is returned for a known frame missing required fields
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrMalformedFrame is returned for bytes that are not a JSON frame
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one of the protocol frames below
type Frame interface {
	wire() wire
}

// wire is the flat JSON shape shared by every frame
type wire struct {
	Type       FrameType `json:"type"`
	UserID     string    `json:"userId,omitempty"`
	Role       string    `json:"role,omitempty"`
	FromUserID string    `json:"fromUserId,omitempty"`
	ToUserID   string    `json:"toUserId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Target     string    `json:"target,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	Close      bool      `json:"close,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  int64     `json:"timestamp,omitempty"`
}

// Identify binds a channel to a user id
type Identify struct {
	UserID string
	Role   string
}

// Identified acknowledges Identify
type Identified struct {
	UserID string
	Role   string
}

// RelayRequest tells a relay it has been picked for a source
type RelayRequest struct {
	FromUserID string
	Message    string
}

// Forward carries source bytes bound for a target through the source's relay.
// An empty payload with Close set ends the source-to-target direction.
type Forward struct {
	FromUserID string
	RequestID  string
	Target     string
	Payload    []byte
	Close      bool
}

// ForwardToTarget is Forward as delivered to the relay
type ForwardToTarget struct {
	FromUserID string
	RequestID  string
	Target     string
	Payload    []byte
	Close      bool
}

// Response carries target bytes from the relay back toward the source.
// The relay sends an empty Response once the outbound dial succeeds.
type Response struct {
	ToUserID  string
	RequestID string
	Payload   []byte
	Close     bool
}

// ResponseToSource is Response as delivered to the source
type ResponseToSource struct {
	RequestID string
	Payload   []byte
	Close     bool
}

// RelayLost tells a source its relay is gone
type RelayLost struct {
	RequestID string
	Message   string
}

// DTNMode tells a source it has no relay session
type DTNMode struct {
	RequestID string
	Message   string
}

type Ping struct{}

type Pong struct {
	Timestamp int64
}

func (f Identify) wire() wire {
	return wire{Type: TypeIdentify, UserID: f.UserID, Role: f.Role}
}

func (f Identified) wire() wire {
	return wire{Type: TypeIdentified, UserID: f.UserID, Role: f.Role}
}

func (f RelayRequest) wire() wire {
	return wire{Type: TypeRelayRequest, FromUserID: f.FromUserID, Message: f.Message}
}

func (f Forward) wire() wire {
	return wire{Type: TypeForward, FromUserID: f.FromUserID, RequestID: f.RequestID,
		Target: f.Target, Payload: f.Payload, Close: f.Close}
}

func (f ForwardToTarget) wire() wire {
	return wire{Type: TypeForwardToTarget, FromUserID: f.FromUserID, RequestID: f.RequestID,
		Target: f.Target, Payload: f.Payload, Close: f.Close}
}

func (f Response) wire() wire {
	return wire{Type: TypeResponse, ToUserID: f.ToUserID, RequestID: f.RequestID,
		Payload: f.Payload, Close: f.Close}
}

func (f ResponseToSource) wire() wire {
	return wire{Type: TypeResponseToSource, RequestID: f.RequestID, Payload: f.Payload, Close: f.Close}
}

func (f RelayLost) wire() wire {
	return wire{Type: TypeRelayLost, RequestID: f.RequestID, Message: f.Message}
}

func (f DTNMode) wire() wire {
	return wire{Type: TypeDTNMode, RequestID: f.RequestID, Message: f.Message}
}

func (Ping) wire() wire { return wire{Type: TypePing} }

func (f Pong) wire() wire {
	return wire{Type: TypePong, Timestamp: f.Timestamp}
}

// Encode marshals a frame with its type tag
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f.wire())
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode parses one frame and validates the fields its type requires.
// Unknown types return ErrUnknownFrame so callers can skip them.
// Bytes that are not JSON return ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch w.Type {
	case TypeIdentify:
		if w.UserID == "" {
			return nil, missing(w.Type, "userId")
		}
		return Identify{UserID: w.UserID, Role: w.Role}, nil
	case TypeIdentified:
		return Identified{UserID: w.UserID, Role: w.Role}, nil
	case TypeRelayRequest:
		return RelayRequest{FromUserID: w.FromUserID, Message: w.Message}, nil
	case TypeForward:
		if w.RequestID == "" {
			return nil, missing(w.Type, "requestId")
		}
		return Forward{FromUserID: w.FromUserID, RequestID: w.RequestID, Target: w.Target,
			Payload: w.Payload, Close: w.Close}, nil
	case TypeForwardToTarget:
		if w.RequestID == "" {
			return nil, missing(w.Type, "requestId")
		}
		return ForwardToTarget{FromUserID: w.FromUserID, RequestID: w.RequestID, Target: w.Target,
			Payload: w.Payload, Close: w.Close}, nil
	case TypeResponse:
		if w.RequestID == "" {
			return nil, missing(w.Type, "requestId")
		}
		if w.ToUserID == "" {
			return nil, missing(w.Type, "toUserId")
		}
		return Response{ToUserID: w.ToUserID, RequestID: w.RequestID, Payload: w.Payload, Close: w.Close}, nil
	case TypeResponseToSource:
		if w.RequestID == "" {
			return nil, missing(w.Type, "requestId")
		}
		return ResponseToSource{RequestID: w.RequestID, Payload: w.Payload, Close: w.Close}, nil
	case TypeRelayLost:
		return RelayLost{RequestID: w.RequestID, Message: w.Message}, nil
	case TypeDTNMode:
		return DTNMode{RequestID: w.RequestID, Message: w.Message}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{Timestamp: w.Timestamp}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
	}
}

func missing(t FrameType, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidFrame, t, field)
}
