package ws

import "time"

// Wire limits.
const (
	// maxFrameBytes caps one websocket message. Oversized frames are a
	// transport error and close the connection.
	maxFrameBytes = 1 << 20

	writeTimeout = 5 * time.Second
)

// transmissionByteRate is the raw-byte budget per second of retention used to
// cap one transmission buffer: 48 kHz pcm16 mono with 2x headroom.
const transmissionByteRate = 192000
