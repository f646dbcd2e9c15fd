package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// busyRetryDelay is the single retry backoff applied when SQLite reports
// lock contention. Exactly one retry; after that the error surfaces.
const busyRetryDelay = 100 * time.Millisecond

// Message is one persisted transmission row.
type Message struct {
	ID          int64
	Channel     string
	ClientID    string
	UserID      *int64
	ScreenName  string
	AudioData   string
	SampleRate  int
	Codec       string
	Bitrate     int
	DurationMs  int64
	TimestampMs int64
}

// Retention bounds the per-channel history.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

// RecordMessage inserts one history row and atomically prunes the channel to
// the retention bounds: rows older than MaxAge and rows outside the newest
// MaxCount are deleted in the same transaction as the insert.
func (s *Store) RecordMessage(ctx context.Context, msg Message, r Retention) (int64, error) {
	id, err := s.recordOnce(ctx, msg, r)
	if err != nil && isBusy(err) {
		slog.Warn("history insert hit lock contention, retrying once", "channel", msg.Channel)
		time.Sleep(busyRetryDelay)
		id, err = s.recordOnce(ctx, msg, r)
	}
	if err != nil {
		return 0, err
	}
	slog.Debug("transmission persisted", "msg_id", id, "channel", msg.Channel,
		"screen_name", msg.ScreenName, "duration_ms", msg.DurationMs)
	return id, nil
}

func (s *Store) recordOnce(ctx context.Context, msg Message, r Retention) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	var bitrate any
	if msg.Bitrate > 0 {
		bitrate = msg.Bitrate
	}
	const insert = `
INSERT INTO message_history (channel, client_id, user_id, screen_name, audio_data, sample_rate, codec, bitrate, duration_ms, timestamp_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	result, err := tx.ExecContext(ctx, insert,
		msg.Channel, msg.ClientID, msg.UserID, msg.ScreenName, msg.AudioData,
		msg.SampleRate, msg.Codec, bitrate, msg.DurationMs, msg.TimestampMs)
	if err != nil {
		return 0, fmt.Errorf("insert history row: %w", err)
	}
	id, _ := result.LastInsertId()

	cutoff := time.Now().Add(-r.MaxAge).UnixMilli()
	const prune = `
DELETE FROM message_history
WHERE channel = ?
  AND (timestamp_ms < ?
       OR id NOT IN (
           SELECT id FROM message_history WHERE channel = ?
           ORDER BY timestamp_ms DESC, id DESC LIMIT ?))
`
	if _, err := tx.ExecContext(ctx, prune, msg.Channel, cutoff, msg.Channel, r.MaxCount); err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit history tx: %w", err)
	}
	return id, nil
}

// History returns the retained rows for one channel, not older than MaxAge,
// capped to MaxCount, ordered by timestamp ascending (ties broken by id).
func (s *Store) History(ctx context.Context, channel string, r Retention) ([]Message, error) {
	cutoff := time.Now().Add(-r.MaxAge).UnixMilli()
	const q = `
SELECT id, channel, client_id, user_id, screen_name, audio_data, sample_rate, codec, COALESCE(bitrate, 0), duration_ms, timestamp_ms
FROM (
	SELECT * FROM message_history
	WHERE channel = ? AND timestamp_ms >= ?
	ORDER BY timestamp_ms DESC, id DESC LIMIT ?
)
ORDER BY timestamp_ms ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, channel, cutoff, r.MaxCount)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Channel, &m.ClientID, &m.UserID, &m.ScreenName,
			&m.AudioData, &m.SampleRate, &m.Codec, &m.Bitrate, &m.DurationMs, &m.TimestampMs); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msgs = append(msgs, m)
	}
	slog.Debug("history loaded", "channel", channel, "count", len(msgs))
	return msgs, rows.Err()
}

// isBusy reports whether err looks like SQLite lock contention
// (SQLITE_BUSY / SQLITE_LOCKED).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
