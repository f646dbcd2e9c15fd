package core

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"breaker/server/internal/protocol"
)

const pcm16BytesPerSample = 2

// Transmission accumulates the audio chunks of one push-to-talk transmission
// for a (connection, channel) pair. It lives between push_to_talk_start and
// push_to_talk_end and is only ever touched by the owning connection's
// handler, so it needs no locking.
type Transmission struct {
	ClientID   string
	Channel    string
	SampleRate int
	Codec      string
	Bitrate    int
	StartedAt  time.Time

	chunks     []string
	rawBytes   int64 // decoded-size estimate of buffered chunks
	opusMs     int64 // sum of declared opus chunk durations
	maxBytes   int64
	truncated  bool
}

// NewTransmission opens a transmission buffer. maxBytes caps the total raw
// bytes buffered; chunks past the cap are still relayed live by the caller
// but no longer accumulated.
func NewTransmission(clientID, channel string, sampleRate int, codec string, bitrate int, maxBytes int64) *Transmission {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if codec == "" {
		codec = protocol.CodecPCM16
	}
	return &Transmission{
		ClientID:   clientID,
		Channel:    channel,
		SampleRate: sampleRate,
		Codec:      codec,
		Bitrate:    bitrate,
		StartedAt:  time.Now(),
		maxBytes:   maxBytes,
	}
}

// Append buffers one base64 chunk in arrival order. durationMs is the
// declared duration of an opus chunk (0 when unknown).
func (t *Transmission) Append(chunk string, durationMs int64) {
	decoded := int64(base64.StdEncoding.DecodedLen(len(chunk)))
	if t.maxBytes > 0 && t.rawBytes+decoded > t.maxBytes {
		if !t.truncated {
			t.truncated = true
			slog.Warn("transmission byte cap reached, dropping further chunks",
				"client_id", t.ClientID, "channel", t.Channel, "buffered_bytes", t.rawBytes)
		}
		return
	}
	t.chunks = append(t.chunks, chunk)
	t.rawBytes += decoded
	t.opusMs += durationMs
}

// ChunkCount returns the number of buffered chunks.
func (t *Transmission) ChunkCount() int { return len(t.chunks) }

// Finalized is a reconstructed transmission ready for persistence.
type Finalized struct {
	ClientID   string
	Channel    string
	AudioData  string // base64 of the concatenated raw bytes
	SampleRate int
	Codec      string
	Bitrate    int
	DurationMs int64
}

// Finalize reconstructs the transmission: each chunk is base64-decoded
// individually, the raw byte sequences are concatenated in arrival order, and
// the result is encoded once. Textual concatenation of the base64 strings
// would corrupt the stream at chunk boundaries that do not align to 3 bytes.
func (t *Transmission) Finalize() (Finalized, error) {
	raw := make([]byte, 0, t.rawBytes)
	for i, chunk := range t.chunks {
		decoded, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return Finalized{}, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		raw = append(raw, decoded...)
	}

	var durationMs int64
	switch t.Codec {
	case protocol.CodecPCM16:
		durationMs = int64(len(raw)) * 1000 / (pcm16BytesPerSample * int64(t.SampleRate))
	case protocol.CodecOpus:
		// Opus packets are opaque; trust the declared per-chunk durations.
		durationMs = t.opusMs
	}

	return Finalized{
		ClientID:   t.ClientID,
		Channel:    t.Channel,
		AudioData:  base64.StdEncoding.EncodeToString(raw),
		SampleRate: t.SampleRate,
		Codec:      t.Codec,
		Bitrate:    t.Bitrate,
		DurationMs: durationMs,
	}, nil
}
