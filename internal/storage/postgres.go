package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/Klein241/bufferwave/internal/models"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	url  string
}

// New creates a new database connection
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool, url: databaseURL}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs the embedded schema migrations
func (db *DB) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, db.url)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertNode inserts or refreshes a node record keyed by user id
func (db *DB) UpsertNode(ctx context.Context, node models.Node) error {
	var family *string
	if node.FamilyGroup != "" {
		family = &node.FamilyGroup
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO nodes (user_id, country, ip_address, status, bandwidth_available_mbps, public_key, family_group, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE SET
		   country = excluded.country,
		   ip_address = excluded.ip_address,
		   status = excluded.status,
		   bandwidth_available_mbps = excluded.bandwidth_available_mbps,
		   public_key = excluded.public_key,
		   family_group = excluded.family_group,
		   last_seen = excluded.last_seen,
		   updated_at = NOW()`,
		node.UserID, node.Country, node.RemoteAddr, string(node.Status), node.BandwidthMbps,
		node.PublicKey, family, node.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// SetNodeStatus updates the stored status of a node
func (db *DB) SetNodeStatus(ctx context.Context, userID string, status models.NodeStatus) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE nodes SET status = $1, updated_at = NOW() WHERE user_id = $2",
		string(status), userID)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	return nil
}

// InsertMessage mirrors a freshly queued DTN message
func (db *DB) InsertMessage(ctx context.Context, msg models.DTNMessage) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO pending_messages (id, from_user_id, to_user_id, type, encrypted_payload, attempts, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.FromUser, nullable(msg.ToUser), msg.Type, msg.Payload, msg.Attempts,
		string(models.MessagePending), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// MarkDelivered records the message as delivered. The row is created if the
// original insert never reached the database.
func (db *DB) MarkDelivered(ctx context.Context, msg models.DTNMessage, at time.Time) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO pending_messages (id, from_user_id, to_user_id, type, encrypted_payload, attempts, status, created_at, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   attempts = excluded.attempts,
		   delivered_at = excluded.delivered_at`,
		msg.ID, msg.FromUser, nullable(msg.ToUser), msg.Type, msg.Payload, msg.Attempts,
		string(models.MessageDelivered), msg.CreatedAt, at)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return nil
}

// PendingMessages loads every message still waiting for delivery, oldest first
func (db *DB) PendingMessages(ctx context.Context) ([]models.DTNMessage, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, from_user_id, COALESCE(to_user_id, ''), type, encrypted_payload, attempts, status, created_at
		 FROM pending_messages WHERE status = $1 ORDER BY created_at`,
		string(models.MessagePending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var messages []models.DTNMessage
	for rows.Next() {
		var msg models.DTNMessage
		var status string
		if err := rows.Scan(&msg.ID, &msg.FromUser, &msg.ToUser, &msg.Type, &msg.Payload,
			&msg.Attempts, &status, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Status = models.MessageStatus(status)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// InsertSession records a new relay session
func (db *DB) InsertSession(ctx context.Context, session models.TunnelSession) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO relay_sessions (source_user_id, relay_user_id, started_at, status)
		 VALUES ($1, $2, $3, $4)`,
		session.SourceID, session.RelayID, session.StartedAt, string(session.Status))
	if err != nil {
		return fmt.Errorf("failed to insert relay session: %w", err)
	}
	return nil
}

// EndSession closes every active session of a source
func (db *DB) EndSession(ctx context.Context, sourceID string, at time.Time) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE relay_sessions SET status = $1, ended_at = $2
		 WHERE source_user_id = $3 AND status = $4`,
		string(models.SessionEnded), at, sourceID, string(models.SessionActive))
	if err != nil {
		return fmt.Errorf("failed to end relay session: %w", err)
	}
	return nil
}

// AddBandwidth stores a usage report and credits the relay
func (db *DB) AddBandwidth(ctx context.Context, report models.BandwidthReport) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO bandwidth_reports (user_id, bytes_relayed, reported_at) VALUES ($1, $2, $3)",
		report.UserID, report.BytesRelayed, report.ReportedAt); err != nil {
		return fmt.Errorf("failed to insert bandwidth report: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE nodes SET bytes_relayed = bytes_relayed + $1, updated_at = NOW() WHERE user_id = $2",
		report.BytesRelayed, report.UserID); err != nil {
		return fmt.Errorf("failed to credit node: %w", err)
	}

	return tx.Commit(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*DB)(nil)
