package core

import (
	"testing"

	"breaker/server/internal/protocol"
)

func TestValidChannelID(t *testing.T) {
	valid := []string{"1", "2", "42", "100", "999"}
	for _, id := range valid {
		if !ValidChannelID(id) {
			t.Errorf("ValidChannelID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "0", "1000", "01", "007", "-1", "1.5", "abc", "1a", " 1", "9999"}
	for _, id := range invalid {
		if ValidChannelID(id) {
			t.Errorf("ValidChannelID(%q) = true, want false", id)
		}
	}
}

func TestAttachDetachCounts(t *testing.T) {
	ch := NewChannels()
	a := NewSession("a")
	b := NewSession("b")

	if got := ch.Attach(a, "5"); got != 1 {
		t.Fatalf("attach a: count = %d, want 1", got)
	}
	if got := ch.Attach(b, "5"); got != 2 {
		t.Fatalf("attach b: count = %d, want 2", got)
	}
	if got := ch.MemberCount("5"); got != 2 {
		t.Fatalf("member count = %d, want 2", got)
	}

	remaining, ok := ch.Detach("a", "5")
	if !ok || remaining != 1 {
		t.Fatalf("detach a: remaining=%d ok=%v", remaining, ok)
	}
	remaining, ok = ch.Detach("b", "5")
	if !ok || remaining != 0 {
		t.Fatalf("detach b: remaining=%d ok=%v", remaining, ok)
	}

	// Channel is destroyed when the last member leaves.
	if counts := ch.Counts(); len(counts) != 0 {
		t.Fatalf("counts after empty = %v, want none", counts)
	}
	if _, ok := ch.Detach("b", "5"); ok {
		t.Fatal("detach on empty channel reported ok")
	}
}

func TestDetachThenAttachMovesChannels(t *testing.T) {
	ch := NewChannels()
	a := NewSession("a")

	ch.Attach(a, "1")
	ch.Detach("a", "1")
	ch.Attach(a, "2")

	got, ok := ch.ChannelOf("a")
	if !ok || got != "2" {
		t.Fatalf("ChannelOf = %q ok=%v, want 2", got, ok)
	}
	if ch.MemberCount("1") != 0 {
		t.Fatalf("old channel still has %d members", ch.MemberCount("1"))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	ch := NewChannels()
	a := NewSession("a")
	b := NewSession("b")
	c := NewSession("c")
	ch.Attach(a, "9")
	ch.Attach(b, "9")
	ch.Attach(c, "9")

	ch.Broadcast("9", protocol.Message{Type: protocol.TypeAudioData, Data: "QUJD"}, "a")

	for _, peer := range []*Session{b, c} {
		select {
		case msg := <-peer.Send:
			if msg.Data != "QUJD" {
				t.Fatalf("%s received data %q", peer.ClientID, msg.Data)
			}
		default:
			t.Fatalf("%s received nothing", peer.ClientID)
		}
	}
	select {
	case msg := <-a.Send:
		t.Fatalf("sender received its own frame: %+v", msg)
	default:
	}
}

func TestRemoveFromAll(t *testing.T) {
	ch := NewChannels()
	a := NewSession("a")
	b := NewSession("b")
	ch.Attach(a, "3")
	ch.Attach(b, "3")

	channel, remaining, ok := ch.RemoveFromAll("a")
	if !ok || channel != "3" || remaining != 1 {
		t.Fatalf("RemoveFromAll = (%q, %d, %v)", channel, remaining, ok)
	}

	// Idempotent on a connection with no membership.
	if _, _, ok := ch.RemoveFromAll("a"); ok {
		t.Fatal("second RemoveFromAll reported ok")
	}
}

func TestSendTo(t *testing.T) {
	ch := NewChannels()
	a := NewSession("a")
	ch.Attach(a, "1")

	if !ch.SendTo("a", protocol.Message{Type: protocol.TypePong}) {
		t.Fatal("SendTo known connection failed")
	}
	if ch.SendTo("ghost", protocol.Message{Type: protocol.TypePong}) {
		t.Fatal("SendTo unknown connection succeeded")
	}
	msg := <-a.Send
	if msg.Type != protocol.TypePong {
		t.Fatalf("received %q", msg.Type)
	}
}
