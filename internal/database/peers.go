package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

// DeviceRow is the stored device identity.
type DeviceRow struct {
	InstanceID string
	ListenPort int
}

// PeerRow is one configured peer.
type PeerRow struct {
	ID               int64
	PublicKey        string
	Endpoint         string // "host:port", empty until learned or configured
	KeepaliveSeconds int
}

// Device returns the stored device row.
func (db *DB) Device(ctx context.Context) (DeviceRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var row DeviceRow
	err := db.conn.QueryRowContext(ctx,
		`SELECT instance_id, listen_port FROM device WHERE id = 1`,
	).Scan(&row.InstanceID, &row.ListenPort)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRow{}, ErrNotFound
	}
	if err != nil {
		return DeviceRow{}, fmt.Errorf("query device: %w", err)
	}
	return row, nil
}

// SetDevice stores (or replaces) the device row.
func (db *DB) SetDevice(ctx context.Context, row DeviceRow) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO device (id, instance_id, listen_port, updated_at)
		 VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   instance_id = excluded.instance_id,
		   listen_port = excluded.listen_port,
		   updated_at = CURRENT_TIMESTAMP`,
		row.InstanceID, row.ListenPort)
	if err != nil {
		return fmt.Errorf("store device: %w", err)
	}
	return nil
}

// Peers returns all configured peers ordered by creation.
func (db *DB) Peers(ctx context.Context) ([]PeerRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, public_key, endpoint, keepalive_seconds FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var peers []PeerRow
	for rows.Next() {
		var p PeerRow
		if err := rows.Scan(&p.ID, &p.PublicKey, &p.Endpoint, &p.KeepaliveSeconds); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// UpsertPeer inserts a peer or updates its endpoint and keepalive by
// public key.
func (db *DB) UpsertPeer(ctx context.Context, p PeerRow) error {
	if p.PublicKey == "" {
		return fmt.Errorf("upsert peer: empty public key")
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO peers (public_key, endpoint, keepalive_seconds)
		 VALUES (?, ?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   keepalive_seconds = excluded.keepalive_seconds,
		   updated_at = CURRENT_TIMESTAMP`,
		p.PublicKey, p.Endpoint, p.KeepaliveSeconds)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// DeletePeer removes a peer by public key.
func (db *DB) DeletePeer(ctx context.Context, publicKey string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM peers WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
