package tunnel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	maxMessage = 1 << 20
)

// Conn adapts a websocket connection to the registry's Channel contract.
// gorilla/websocket allows one concurrent writer, so sends are serialized.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps an established websocket
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessage)
	return &Conn{ws: ws}
}

// Send encodes and writes one frame
func (c *Conn) Send(v any) error {
	frame, ok := v.(Frame)
	if !ok {
		return fmt.Errorf("cannot send %T as a tunnel frame", v)
	}
	data, err := Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next frame. Frames that can be skipped come back
// wrapping ErrUnknownFrame or ErrInvalidFrame; any other error means the
// channel should be torn down.
func (c *Conn) Receive() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Close sends a close control message and closes the socket
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// IsSkippable reports whether err came from a single frame that can be
// dropped without closing the channel.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrUnknownFrame) || errors.Is(err, ErrInvalidFrame)
}
