package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func historyRow(channel string, ts int64) Message {
	return Message{
		Channel:     channel,
		ClientID:    "client-1",
		ScreenName:  "alice",
		AudioData:   "UENNMTY=",
		SampleRate:  48000,
		Codec:       "pcm16",
		DurationMs:  250,
		TimestampMs: ts,
	}
}

func TestRecordMessagePrunesCountBound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := Retention{MaxCount: 2, MaxAge: time.Hour}

	now := time.Now().UnixMilli()
	for _, off := range []int64{1000, 2000, 3000} {
		if _, err := st.RecordMessage(ctx, historyRow("5", now+off), r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	msgs, err := st.History(ctx, "5", r)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("retained %d rows, want 2", len(msgs))
	}
	// Oldest row pruned, survivors ordered ascending.
	if msgs[0].TimestampMs != now+2000 || msgs[1].TimestampMs != now+3000 {
		t.Fatalf("timestamps = %d, %d", msgs[0].TimestampMs, msgs[1].TimestampMs)
	}
}

func TestRecordMessagePrunesAgeBound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := Retention{MaxCount: 100, MaxAge: 5 * time.Minute}

	now := time.Now()
	stale := historyRow("7", now.Add(-10*time.Minute).UnixMilli())
	if _, err := st.RecordMessage(ctx, stale, r); err != nil {
		t.Fatalf("record stale: %v", err)
	}
	fresh := historyRow("7", now.UnixMilli())
	if _, err := st.RecordMessage(ctx, fresh, r); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	msgs, err := st.History(ctx, "7", r)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].TimestampMs != fresh.TimestampMs {
		t.Fatalf("retained rows = %+v, want only the fresh one", msgs)
	}
}

func TestHistoryIsPerChannel(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := Retention{MaxCount: 10, MaxAge: time.Hour}

	now := time.Now().UnixMilli()
	if _, err := st.RecordMessage(ctx, historyRow("1", now), r); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := st.RecordMessage(ctx, historyRow("2", now), r); err != nil {
		t.Fatalf("record: %v", err)
	}

	msgs, err := st.History(ctx, "1", r)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Channel != "1" {
		t.Fatalf("channel 1 history = %+v", msgs)
	}
	msgs, _ = st.History(ctx, "404", r)
	if len(msgs) != 0 {
		t.Fatalf("empty channel returned %d rows", len(msgs))
	}
}

func TestHistoryPreservesRowFields(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := Retention{MaxCount: 10, MaxAge: time.Hour}

	uid, err := st.CreateUser(ctx, "grace")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	in := historyRow("9", time.Now().UnixMilli())
	in.UserID = &uid
	in.ScreenName = "grace"
	in.Codec = "opus"
	in.Bitrate = 32000
	in.DurationMs = 1480
	if _, err := st.RecordMessage(ctx, in, r); err != nil {
		t.Fatalf("record: %v", err)
	}

	msgs, err := st.History(ctx, "9", r)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("rows = %d, want 1", len(msgs))
	}
	got := msgs[0]
	if got.UserID == nil || *got.UserID != uid {
		t.Fatalf("user id = %v, want %d", got.UserID, uid)
	}
	if got.ScreenName != "grace" || got.Codec != "opus" || got.Bitrate != 32000 || got.DurationMs != 1480 {
		t.Fatalf("row round trip: %+v", got)
	}
	if got.AudioData != in.AudioData || got.SampleRate != 48000 {
		t.Fatalf("audio fields: %+v", got)
	}
}

func TestHistoryNullBitrateReadsAsZero(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	r := Retention{MaxCount: 10, MaxAge: time.Hour}

	in := historyRow("3", time.Now().UnixMilli())
	in.Bitrate = 0
	if _, err := st.RecordMessage(ctx, in, r); err != nil {
		t.Fatalf("record: %v", err)
	}
	msgs, err := st.History(ctx, "3", r)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Bitrate != 0 {
		t.Fatalf("rows = %+v", msgs)
	}
}
