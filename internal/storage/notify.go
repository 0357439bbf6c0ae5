package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelDecisions carries link_and_notify decisions as JSON payloads.
const ChannelDecisions = "futago_decisions"

// Listen starts listening on channel using the dedicated notify connection.
// Channels are remembered so Reconnect can re-subscribe.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	db.listening = append(db.listening, channel)
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel. Only one goroutine may wait at a time.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Reconnect replaces a broken notify connection and re-issues LISTEN for
// every channel previously subscribed.
func (db *DB) Reconnect(ctx context.Context) error {
	if db.notifyDSN == "" {
		return fmt.Errorf("storage: notify connection not configured")
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}

	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	for _, ch := range db.listening {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("storage: re-listen %s: %w", ch, err)
		}
	}
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
	}
	db.notifyConn = conn
	return nil
}

// Notify sends a notification on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
