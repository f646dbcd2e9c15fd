// Package welcome plays pre-recorded server-originated transmissions to
// individual connections on connect and on channel join.
package welcome

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"breaker/server/internal/core"
	"breaker/server/internal/protocol"
	"breaker/server/internal/store"
)

// Trigger points.
const (
	TriggerConnect     = "connect"
	TriggerChannelJoin = "channel_join"
)

// chunkBytes is the raw payload size of one welcome audio frame before
// base64 encoding (~250 ms of pcm16 mono at 48 kHz).
const chunkBytes = 24000

const welcomeSampleRate = 48000

// Hook serves welcome playback. Rows are cached in memory and re-read from
// the store on Reload.
type Hook struct {
	store   *store.Store
	enabled bool

	mu   sync.RWMutex
	rows []store.WelcomeMessage
}

// New loads the enabled welcome rows and returns the hook. A load failure is
// not fatal: the hook starts empty and can be reloaded later.
func New(st *store.Store, enabled bool) *Hook {
	h := &Hook{store: st, enabled: enabled}
	if enabled {
		if err := h.Reload(context.Background()); err != nil {
			slog.Warn("welcome messages not loaded", "err", err)
		}
	}
	return h
}

// Reload re-reads the enabled welcome rows from the store.
func (h *Hook) Reload(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	rows, err := h.store.EnabledWelcomeMessages(ctx)
	if err != nil {
		return fmt.Errorf("load welcome messages: %w", err)
	}
	h.mu.Lock()
	h.rows = rows
	h.mu.Unlock()
	slog.Info("welcome messages loaded", "count", len(rows))
	return nil
}

// Play delivers all welcome rows matching the trigger to one session.
// channel is empty for the connect trigger; a row pinned to a channel only
// matches that channel, an unpinned row matches everywhere. Frames go to the
// target connection only.
func (h *Hook) Play(ctx context.Context, sess *core.Session, trigger, channel string) {
	if !h.enabled || sess == nil {
		return
	}

	h.mu.RLock()
	rows := make([]store.WelcomeMessage, len(h.rows))
	copy(rows, h.rows)
	h.mu.RUnlock()

	for _, row := range rows {
		if row.TriggerType != trigger && row.TriggerType != "both" {
			continue
		}
		if row.Channel != "" && row.Channel != channel {
			continue
		}
		if err := h.playOne(sess, row, channel); err != nil {
			slog.Error("welcome playback failed", "welcome_id", row.ID, "name", row.Name, "err", err)
			continue
		}
		if err := h.store.MarkWelcomePlayed(ctx, row.ID); err != nil {
			slog.Warn("welcome play counter not updated", "welcome_id", row.ID, "err", err)
		}
	}
}

// playOne streams one welcome file to the session as a synthetic
// audio_start / audio… / audio_end sequence tagged is_welcome.
func (h *Hook) playOne(sess *core.Session, row store.WelcomeMessage, channel string) error {
	raw, err := os.ReadFile(row.AudioFile)
	if err != nil {
		return fmt.Errorf("read welcome audio %s: %w", row.AudioFile, err)
	}
	raw = stripWAVHeader(raw)
	if len(raw) == 0 {
		return fmt.Errorf("welcome audio %s is empty", row.AudioFile)
	}

	base := protocol.Message{
		Channel:    channel,
		Codec:      protocol.CodecPCM16,
		SampleRate: welcomeSampleRate,
		Channels:   1,
		IsWelcome:  true,
		ScreenName: "Server",
	}

	start := base
	start.Type = protocol.TypeAudioStart
	sess.TrySend(start)

	for off := 0; off < len(raw); off += chunkBytes {
		end := off + chunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		frame := base
		frame.Type = protocol.TypeAudio
		frame.Data = base64.StdEncoding.EncodeToString(raw[off:end])
		sess.TrySend(frame)
	}

	stop := base
	stop.Type = protocol.TypeAudioEnd
	sess.TrySend(stop)

	slog.Debug("welcome played", "welcome_id", row.ID, "name", row.Name, "bytes", len(raw))
	return nil
}

// stripWAVHeader drops the canonical 44-byte RIFF/WAVE header so welcome
// files may be either raw pcm16 or simple WAV exports.
func stripWAVHeader(raw []byte) []byte {
	if len(raw) > 44 && bytes.HasPrefix(raw, []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WAVE")) {
		return raw[44:]
	}
	return raw
}
