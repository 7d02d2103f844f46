package localqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
)

// File keeps the queue as an ordered JSON array, rewritten on every change
type File struct {
	mu    sync.Mutex
	path  string
	items []models.DTNMessage
	clock clock.Clock
}

// OpenFile loads the queue file, starting empty when it does not exist yet
func OpenFile(path string, clk clock.Clock) (*File, error) {
	q := &File{path: path, clock: clk}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q.items); err != nil {
			return nil, fmt.Errorf("failed to parse queue file: %w", err)
		}
	}
	return q, nil
}

func (q *File) Add(_ context.Context, entry dtn.Entry) (models.DTNMessage, error) {
	msg, err := newMessage(entry, q.clock.Now())
	if err != nil {
		return models.DTNMessage{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return models.DTNMessage{}, err
	}
	return msg, nil
}

func (q *File) Pending(_ context.Context) ([]models.DTNMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []models.DTNMessage
	for _, item := range q.items {
		if item.Status == models.MessagePending {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

func (q *File) All(_ context.Context) ([]models.DTNMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.DTNMessage(nil), q.items...), nil
}

func (q *File) RecordAttempt(_ context.Context, id string) error {
	return q.update(id, func(item *models.DTNMessage) {
		item.Attempts++
	})
}

func (q *File) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return q.update(id, func(item *models.DTNMessage) {
		if item.Status == models.MessageDelivered {
			return
		}
		item.Status = models.MessageDelivered
		item.DeliveredAt = &at
	})
}

func (q *File) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Status == models.MessagePending {
			n++
		}
	}
	return n, nil
}

func (q *File) Close() error {
	return nil
}

func (q *File) update(id string, fn func(*models.DTNMessage)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == id {
			fn(&q.items[i])
			return q.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// saveLocked replaces the queue file atomically
func (q *File) saveLocked() error {
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

var _ Queue = (*File)(nil)
