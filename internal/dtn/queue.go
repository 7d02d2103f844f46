package dtn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultType tags messages stored without an explicit type
const DefaultType = "message"

// ErrMissingOrigin is returned when an entry has no origin user
var ErrMissingOrigin = errors.New("origin user is required")

// MessageStore is the slice of the durable store the queue mirrors into
type MessageStore interface {
	InsertMessage(ctx context.Context, msg models.DTNMessage) error
	MarkDelivered(ctx context.Context, msg models.DTNMessage, at time.Time) error
	PendingMessages(ctx context.Context) ([]models.DTNMessage, error)
}

// Entry is a payload to hold until its destination is reachable
type Entry struct {
	FromUser string
	ToUser   string
	Payload  []byte
	Type     string
}

// Queue owns the lifecycle of every pending DTN message. Delivered messages
// leave the live queue and only survive as durable records.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*models.DTNMessage
	order   []string

	store  MessageStore
	clock  clock.Clock
	logger *zap.Logger
}

// NewQueue creates an empty queue mirrored into store. A nil store keeps the
// queue purely in memory.
func NewQueue(store MessageStore, clk clock.Clock, logger *zap.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		pending: make(map[string]*models.DTNMessage),
		store:   store,
		clock:   clk,
		logger:  logger.Named("dtn"),
	}
}

// Load pulls every pending message from the durable store into the live queue
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	msgs, err := q.store.PendingMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending messages: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	loaded := 0
	for i := range msgs {
		msg := msgs[i]
		if _, ok := q.pending[msg.ID]; ok {
			continue
		}
		q.pending[msg.ID] = &msg
		q.order = append(q.order, msg.ID)
		loaded++
	}
	return loaded, nil
}

// Enqueue stores an entry as pending and mirrors it to the durable store.
// A mirror failure is logged; the message stays available in memory.
func (q *Queue) Enqueue(ctx context.Context, entry Entry) (models.DTNMessage, error) {
	if entry.FromUser == "" {
		return models.DTNMessage{}, ErrMissingOrigin
	}
	if entry.Type == "" {
		entry.Type = DefaultType
	}

	msg := models.DTNMessage{
		ID:        uuid.NewString(),
		Payload:   entry.Payload,
		FromUser:  entry.FromUser,
		ToUser:    entry.ToUser,
		Type:      entry.Type,
		CreatedAt: q.clock.Now(),
		Status:    models.MessagePending,
	}

	q.mu.Lock()
	stored := msg
	q.pending[msg.ID] = &stored
	q.order = append(q.order, msg.ID)
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.InsertMessage(ctx, msg); err != nil {
			q.logger.Warn("failed to persist dtn message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	q.logger.Debug("message stored",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.FromUser),
		zap.String("to", msg.ToUser))
	return msg, nil
}

// Release delivers every pending message to or from userID and returns how
// many left the queue. Messages whose durable update fails stay pending and
// are retried on the next release for that user.
func (q *Queue) Release(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}

	q.mu.Lock()
	var batch []models.DTNMessage
	for _, id := range q.order {
		msg := q.pending[id]
		if msg.ToUser == userID || msg.FromUser == userID {
			msg.Attempts++
			batch = append(batch, *msg)
		}
	}
	q.mu.Unlock()

	released := 0
	for _, msg := range batch {
		at := q.clock.Now()
		if q.store != nil {
			if err := q.store.MarkDelivered(ctx, msg, at); err != nil {
				q.logger.Warn("failed to mark message delivered",
					zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
		}
		if q.remove(msg.ID) {
			released++
		}
	}

	if released > 0 {
		q.logger.Info("dtn messages released", zap.String("user_id", userID), zap.Int("count", released))
	}
	return released
}

// remove drops a message from the live queue. Removing an id twice is a no-op.
func (q *Queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return false
	}
	delete(q.pending, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Size is the number of pending messages
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the live queue in arrival order
func (q *Queue) Pending() []models.DTNMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := make([]models.DTNMessage, 0, len(q.order))
	for _, id := range q.order {
		msgs = append(msgs, *q.pending[id])
	}
	return msgs
}

// Contains reports whether a message is still pending
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}
