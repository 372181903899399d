package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()

	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	return got
}

func TestConnectRequestRoundTrip(t *testing.T) {
	m := Message{
		Type: TypeConnectRequest,
		ConnectRequest: ConnectRequest{
			Mode:              ModePlayer,
			RequestedPlayerID: -1,
			Nickname:          "alice",
			SessionPassword:   "",
		},
	}

	got := roundTrip(t, m)

	if got.ConnectRequest.Nickname != "alice" {
		t.Errorf("Nickname = %q, want alice", got.ConnectRequest.Nickname)
	}
	if got.ConnectRequest.RequestedPlayerID != -1 {
		t.Errorf("RequestedPlayerID = %d, want -1", got.ConnectRequest.RequestedPlayerID)
	}
}

func TestResetRoundTrip(t *testing.T) {
	state := bytes.Repeat([]byte{0xAB}, 257)

	m := Message{
		Type: TypeReset,
		Reset: Reset{
			Cookie:     7,
			NumPlayers: 2,
			StateData:  state,
		},
	}
	m.Reset.Players[0] = PlayerEntry{ControllerPort: 0, Nickname: "host"}
	m.Reset.Players[1] = PlayerEntry{ControllerPort: 1, Nickname: "joiner", Host: 0x7F000001, Port: 4000}

	got := roundTrip(t, m)

	if got.Reset.Cookie != 7 {
		t.Errorf("Cookie = %d, want 7", got.Reset.Cookie)
	}
	if !bytes.Equal(got.Reset.StateData, state) {
		t.Errorf("StateData mismatch: got %d bytes", len(got.Reset.StateData))
	}
	if got.Reset.Players[1].Nickname != "joiner" {
		t.Errorf("Players[1].Nickname = %q, want joiner", got.Reset.Players[1].Nickname)
	}
	if got.Reset.Players[1].Port != 4000 {
		t.Errorf("Players[1].Port = %d, want 4000", got.Reset.Players[1].Port)
	}
}

func TestChatMessageRoundTrip(t *testing.T) {
	m := Message{Type: TypeChatMessage, ChatMessage: ChatMessage{Text: "gg"}}
	got := roundTrip(t, m)
	if got.ChatMessage.Text != "gg" {
		t.Errorf("Text = %q, want gg", got.ChatMessage.Text)
	}
}

func TestDecodeRejectsUndersizedReset(t *testing.T) {
	m := Message{Type: TypeReset, Reset: Reset{Cookie: 1, NumPlayers: 1}}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Lie about the declared size: shrink it below the fixed portion.
	b[2] = 1
	b[3] = 0

	got, err := Decode(b)
	if err == nil {
		t.Fatal("Decode accepted a packet whose declared size is smaller than the fixed portion")
	}
	if got.Type != TypeReset {
		t.Errorf("Decode error reported Type %v, want TypeReset so callers can tell a malformed Reset apart from any other malformed packet", got.Type)
	}
}

func TestDecodeRejectsOversizedStateData(t *testing.T) {
	// Declares a Reset with state_data_size larger than the bytes
	// actually following the roster — the "malformed Reset" scenario
	// from §8 scenario 6.
	m := Message{Type: TypeReset, Reset: Reset{Cookie: 1, NumPlayers: 1, StateData: []byte{1, 2, 3}}}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Truncate the trailing state bytes without updating the header's
	// declared size, simulating a short/corrupt packet.
	truncated := b[:len(b)-2]

	got, err := Decode(truncated)
	if err == nil {
		t.Fatal("Decode accepted a packet whose declared size exceeds the bytes received")
	}
	if got.Type != TypeReset {
		t.Errorf("Decode error reported Type %v, want TypeReset so callers can tell a malformed Reset apart from any other malformed packet", got.Type)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); err == nil {
		t.Fatal("Decode accepted a packet shorter than the header")
	}
}
