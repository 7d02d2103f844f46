package localqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/models"
	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// SQLite keeps the queue in a local database file
type SQLite struct {
	conn  *sql.DB
	clock clock.Clock
}

// OpenSQLite opens or creates the queue database
func OpenSQLite(path string, clk clock.Clock) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{conn: conn, clock: clk}, nil
}

func (q *SQLite) Add(ctx context.Context, entry dtn.Entry) (models.DTNMessage, error) {
	msg, err := newMessage(entry, q.clock.Now())
	if err != nil {
		return models.DTNMessage{}, err
	}

	_, err = q.conn.ExecContext(ctx,
		`INSERT INTO local_queue (id, from_user, to_user, payload, type, created_at, attempts, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromUser, msg.ToUser, msg.Payload, msg.Type,
		msg.CreatedAt.UnixMilli(), msg.Attempts, string(msg.Status))
	if err != nil {
		return models.DTNMessage{}, fmt.Errorf("failed to queue entry: %w", err)
	}
	return msg, nil
}

func (q *SQLite) Pending(ctx context.Context) ([]models.DTNMessage, error) {
	return q.list(ctx, `WHERE status = 'pending'`)
}

func (q *SQLite) All(ctx context.Context) ([]models.DTNMessage, error) {
	return q.list(ctx, "")
}

func (q *SQLite) list(ctx context.Context, where string) ([]models.DTNMessage, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT id, from_user, to_user, payload, type, created_at, attempts, status, delivered_at
		 FROM local_queue `+where+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var msgs []models.DTNMessage
	for rows.Next() {
		var (
			msg         models.DTNMessage
			createdAt   int64
			status      string
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.FromUser, &msg.ToUser, &msg.Payload, &msg.Type,
			&createdAt, &msg.Attempts, &status, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		msg.Status = models.MessageStatus(status)
		if deliveredAt.Valid {
			at := time.UnixMilli(deliveredAt.Int64)
			msg.DeliveredAt = &at
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (q *SQLite) RecordAttempt(ctx context.Context, id string) error {
	res, err := q.conn.ExecContext(ctx, `UPDATE local_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return expectRow(res, id)
}

func (q *SQLite) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE local_queue SET status = 'delivered', delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return expectRow(res, id)
}

func (q *SQLite) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (q *SQLite) Close() error {
	return q.conn.Close()
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

var _ Queue = (*SQLite)(nil)
