// Package localqueue is the isolated node's own DTN queue. It survives
// restarts and holds work until a communication window opens.
package localqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klein241/bufferwave/internal/config"
	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrNotFound is returned for an id the queue never held
var ErrNotFound = errors.New("queue entry not found")

// Queue is a durable ordered list of DTN entries
type Queue interface {
	Add(ctx context.Context, entry dtn.Entry) (models.DTNMessage, error)
	Pending(ctx context.Context) ([]models.DTNMessage, error)
	All(ctx context.Context) ([]models.DTNMessage, error)
	RecordAttempt(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	Size(ctx context.Context) (int, error)
	Close() error
}

// Open returns the queue for the configured backend
func Open(backend, path string, clk clock.Clock) (Queue, error) {
	if clk == nil {
		clk = clock.New()
	}
	switch backend {
	case config.QueueSQLite:
		return OpenSQLite(path, clk)
	case config.QueueJSON:
		return OpenFile(path, clk)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

func newMessage(entry dtn.Entry, now time.Time) (models.DTNMessage, error) {
	if entry.FromUser == "" {
		return models.DTNMessage{}, dtn.ErrMissingOrigin
	}
	if entry.Type == "" {
		entry.Type = dtn.DefaultType
	}
	return models.DTNMessage{
		ID:        uuid.NewString(),
		Payload:   entry.Payload,
		FromUser:  entry.FromUser,
		ToUser:    entry.ToUser,
		Type:      entry.Type,
		CreatedAt: now,
		Status:    models.MessagePending,
	}, nil
}
