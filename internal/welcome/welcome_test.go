package welcome

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"breaker/server/internal/core"
	"breaker/server/internal/protocol"
	"breaker/server/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "welcome.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func writeAudioFile(t *testing.T, name string, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write audio file: %v", err)
	}
	return path
}

func drain(sess *core.Session) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg := <-sess.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestPlayStreamsStartChunksEnd(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Raw pcm just over two chunks long so playback emits 3 audio frames.
	raw := make([]byte, chunkBytes*2+100)
	for i := range raw {
		raw[i] = byte(i)
	}
	path := writeAudioFile(t, "hello.pcm", raw)
	id, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name:        "greeting",
		AudioFile:   path,
		TriggerType: TriggerConnect,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("insert welcome: %v", err)
	}

	hook := New(st, true)
	sess := core.NewSession("c1")
	hook.Play(ctx, sess, TriggerConnect, "")

	frames := drain(sess)
	if len(frames) != 5 {
		t.Fatalf("frames = %d, want start + 3 audio + end", len(frames))
	}
	if frames[0].Type != protocol.TypeAudioStart || frames[len(frames)-1].Type != protocol.TypeAudioEnd {
		t.Fatalf("frame types: first=%q last=%q", frames[0].Type, frames[len(frames)-1].Type)
	}

	var got []byte
	for _, f := range frames[1 : len(frames)-1] {
		if f.Type != protocol.TypeAudio {
			t.Fatalf("middle frame type %q", f.Type)
		}
		if !f.IsWelcome || f.ScreenName != "Server" || f.Codec != protocol.CodecPCM16 || f.SampleRate != welcomeSampleRate {
			t.Fatalf("frame tagging: %+v", f)
		}
		chunk, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		got = append(got, chunk...)
	}
	if string(got) != string(raw) {
		t.Fatalf("reassembled %d bytes, want %d matching bytes", len(got), len(raw))
	}

	// Play bookkeeping.
	rows, _ := st.EnabledWelcomeMessages(ctx)
	if len(rows) != 1 || rows[0].ID != id || rows[0].PlayCount != 1 {
		t.Fatalf("bookkeeping rows = %+v", rows)
	}
}

func TestPlayFiltersByTriggerAndChannel(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	raw := []byte("0123456789")
	connectPath := writeAudioFile(t, "connect.pcm", raw)
	pinnedPath := writeAudioFile(t, "pinned.pcm", raw)

	if _, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name: "on-connect", AudioFile: connectPath, TriggerType: TriggerConnect, Enabled: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name: "channel-7", AudioFile: pinnedPath, TriggerType: TriggerChannelJoin, Channel: "7", Enabled: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hook := New(st, true)

	// Connect trigger plays only the connect row.
	sess := core.NewSession("c1")
	hook.Play(ctx, sess, TriggerConnect, "")
	if frames := drain(sess); len(frames) != 3 {
		t.Fatalf("connect frames = %d, want 3", len(frames))
	}

	// Joining channel 5 does not match a row pinned to channel 7.
	sess = core.NewSession("c2")
	hook.Play(ctx, sess, TriggerChannelJoin, "5")
	if frames := drain(sess); len(frames) != 0 {
		t.Fatalf("channel 5 frames = %d, want 0", len(frames))
	}

	sess = core.NewSession("c3")
	hook.Play(ctx, sess, TriggerChannelJoin, "7")
	if frames := drain(sess); len(frames) != 3 {
		t.Fatalf("channel 7 frames = %d, want 3", len(frames))
	}
}

func TestPlayStripsWAVHeader(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	body := []byte("raw-samples-after-the-header-xxxxxxxxxxxxxxx")
	wav := append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 32)...) // 44-byte header
	wav = append(wav, body...)
	path := writeAudioFile(t, "hello.wav", wav)

	if _, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name: "wav", AudioFile: path, TriggerType: TriggerConnect, Enabled: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hook := New(st, true)
	sess := core.NewSession("c1")
	hook.Play(ctx, sess, TriggerConnect, "")

	frames := drain(sess)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	chunk, err := base64.StdEncoding.DecodeString(frames[1].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(chunk) != string(body) {
		t.Fatalf("chunk = %q, want header stripped", chunk)
	}
}

func TestDisabledHookPlaysNothing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	path := writeAudioFile(t, "x.pcm", []byte("abc"))
	if _, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name: "x", AudioFile: path, TriggerType: TriggerConnect, Enabled: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hook := New(st, false)
	sess := core.NewSession("c1")
	hook.Play(ctx, sess, TriggerConnect, "")
	if frames := drain(sess); len(frames) != 0 {
		t.Fatalf("disabled hook sent %d frames", len(frames))
	}
}

func TestReloadPicksUpNewRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	hook := New(st, true)

	path := writeAudioFile(t, "late.pcm", []byte("late-row"))
	if _, err := st.InsertWelcomeMessage(ctx, store.WelcomeMessage{
		Name: "late", AudioFile: path, TriggerType: TriggerConnect, Enabled: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Not visible until Reload.
	sess := core.NewSession("c1")
	hook.Play(ctx, sess, TriggerConnect, "")
	if frames := drain(sess); len(frames) != 0 {
		t.Fatalf("pre-reload frames = %d, want 0", len(frames))
	}

	if err := hook.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess = core.NewSession("c2")
	hook.Play(ctx, sess, TriggerConnect, "")
	if frames := drain(sess); len(frames) != 3 {
		t.Fatalf("post-reload frames = %d, want 3", len(frames))
	}
}
