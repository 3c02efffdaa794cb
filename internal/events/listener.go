package events

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// Listener receives Postgres NOTIFY payloads on a single dedicated
// connection, grounded on pkg/events/listener.go's receive loop but
// narrowed to this repo's one channel-per-session fan-out instead of a
// general LISTEN/UNLISTEN command queue — memoryd has no WebSocket clients
// to route notifications to, only whatever in-process handler subscribes.
type Listener struct {
	conn    *pgx.Conn
	channel string
}

// NewListener opens a dedicated connection and issues LISTEN on channel.
// The connection must not be shared with any other query — LISTEN/NOTIFY
// delivery only happens on the connection that issued LISTEN.
func NewListener(ctx context.Context, connString, channel string) (*Listener, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN "`+channel+`"`); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return &Listener{conn: conn, channel: channel}, nil
}

// Run blocks, invoking handler with each notification's payload until ctx
// is done or the connection errors.
func (l *Listener) Run(ctx context.Context, handler func(payload string)) {
	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("events: listener wait failed", "channel", l.channel, "error", err)
			return
		}
		handler(n.Payload)
	}
}

// Close releases the dedicated connection.
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
