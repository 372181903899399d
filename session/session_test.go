package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/kestrelnet/netplay/host"
	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/machine/fakemachine"
	"github.com/kestrelnet/netplay/transport"
	"github.com/kestrelnet/netplay/transport/faketransport"
	"github.com/kestrelnet/netplay/wire"
)

// fakeHost is a minimal host.Host recording every call, in the
// teacher's hand-rolled-fake style rather than a mocking library.
type fakeHost struct {
	messages    []string
	loadingText string
	loadingPct  int
	errors      []string
	muteCalls   []bool
}

func (h *fakeHost) OnNetplayMessage(text string)           { h.messages = append(h.messages, text) }
func (h *fakeHost) DisplayLoadingScreen(text string, p int) { h.loadingText, h.loadingPct = text, p }
func (h *fakeHost) PumpMessagesOnCPUThread()                {}
func (h *fakeHost) ReportErrorAsync(title, message string)  { h.errors = append(h.errors, title+": "+message) }
func (h *fakeHost) SetNetplaySettingsLayer(overlay *host.SettingsOverlay) {}
func (h *fakeHost) Mute(muted bool)                         { h.muteCalls = append(h.muteCalls, muted) }

// fakeProvider reports a fixed analog value for every binding.
type fakeProvider struct{ value float64 }

func (p fakeProvider) Value(slot, binding int) float64 { return p.value }

// noopTransport is a transport.Transport that accepts Start and
// otherwise never produces events, for tests that don't exercise the
// network (solo CreateSession, callback unit tests).
type noopTransport struct{}

func (noopTransport) Start(int, int) error { return nil }
func (noopTransport) Dial(string) (transport.PeerHandle, error) {
	return 0, fmt.Errorf("noopTransport: Dial unsupported")
}
func (noopTransport) Send(transport.PeerHandle, transport.Channel, []byte, bool) error { return nil }
func (noopTransport) Broadcast(transport.Channel, []byte) error                        { return nil }
func (noopTransport) Poll(deadline time.Time) (transport.Event, error) {
	return transport.Event{}, transport.ErrPollTimeout
}
func (noopTransport) Disconnect(transport.PeerHandle, bool) error { return nil }
func (noopTransport) Reset(transport.PeerHandle) error            { return nil }
func (noopTransport) Close() error                                { return nil }

func TestCreateSessionSoloBecomesRunning(t *testing.T) {
	s, err := New(Config{
		Transport:     noopTransport{},
		Machine:       fakemachine.New(),
		Host:          &fakeHost{},
		InputProvider: fakeProvider{value: 1},
		ApplyInput:    func(int, input.Bitfield) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.CreateSession("alice", 9000, 1, ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("State() = %v, want Running", s.State())
	}
	if !s.IsHost() {
		t.Error("IsHost() = false, want true")
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	if _, err := New(Config{}); err != errIncompleteConfig {
		t.Fatalf("New({}) error = %v, want errIncompleteConfig", err)
	}
}

func TestHandleConnectRequestRejectsWrongPassword(t *testing.T) {
	a, b := faketransport.NewPair()
	s := hostSessionFixture(t, a, "secret")
	drain(a) // consume the NewPair EventConnected
	drain(b)

	req, err := wire.Encode(wire.Message{
		Type: wire.TypeConnectRequest,
		ConnectRequest: wire.ConnectRequest{
			Mode: wire.ModePlayer, RequestedPlayerID: -1,
			Nickname: "bob", SessionPassword: "wrong",
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := b.Send(1, transport.ChannelControl, req, true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.drainTransport()

	ev, err := b.Poll(time.Now().Add(10 * time.Millisecond))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	msg, err := wire.Decode(ev.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != wire.TypeConnectResponse || msg.ConnectResponse.Result != wire.ResultWrongPassword {
		t.Fatalf("ConnectResponse = %+v, want WrongPassword", msg.ConnectResponse)
	}
	if len(s.roster) != 1 {
		t.Fatalf("roster grew on a rejected ConnectRequest: %d entries", len(s.roster))
	}
}

func TestHandleConnectRequestAdmitsAndBeginsReset(t *testing.T) {
	a, b := faketransport.NewPair()
	s := hostSessionFixture(t, a, "")
	drain(a)
	drain(b)

	req, err := wire.Encode(wire.Message{
		Type: wire.TypeConnectRequest,
		ConnectRequest: wire.ConnectRequest{
			Mode: wire.ModePlayer, RequestedPlayerID: -1, Nickname: "bob",
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := b.Send(1, transport.ChannelControl, req, true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.drainTransport()

	if len(s.roster) != 2 {
		t.Fatalf("roster len = %d, want 2 after admission", len(s.roster))
	}
	if s.state != StateResetting {
		t.Fatalf("state = %v, want Resetting after admission", s.state)
	}

	var sawConnectResponse, sawReset bool
	for {
		ev, err := b.Poll(time.Now().Add(5 * time.Millisecond))
		if err != nil {
			break
		}
		msg, err := wire.Decode(ev.Data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		switch msg.Type {
		case wire.TypeConnectResponse:
			sawConnectResponse = true
			if msg.ConnectResponse.Result != wire.ResultSuccess || msg.ConnectResponse.PlayerID != 1 {
				t.Fatalf("ConnectResponse = %+v, want {Success, 1}", msg.ConnectResponse)
			}
		case wire.TypeReset:
			sawReset = true
		}
	}
	if !sawConnectResponse {
		t.Error("never saw a ConnectResponse")
	}
	if !sawReset {
		t.Error("never saw a Reset broadcast after admission")
	}
}

func TestDropPlayerRemovesPlayerAndBeginsReset(t *testing.T) {
	a, b := faketransport.NewPair()
	s := hostSessionFixture(t, a, "")
	drain(a)

	s.roster[1] = &peerSlot{playerID: 1, peer: transport.PeerHandle(1), hasPeer: true, nickname: "bob", connected: true}
	s.numPlayers = 2
	s.resetPlayers[1] = true

	s.dropPlayer(1, wire.DropConnectionLost)

	if _, stillPresent := s.roster[1]; stillPresent {
		t.Error("dropPlayer left the dropped player in the roster")
	}
	if s.numPlayers != 1 {
		t.Fatalf("numPlayers = %d, want 1 after drop", s.numPlayers)
	}
	if s.state != StateResetting {
		t.Fatalf("state = %v, want Resetting (dropPlayer must re-begin Reset)", s.state)
	}

	var sawDropPlayer bool
	for {
		ev, err := b.Poll(time.Now().Add(5 * time.Millisecond))
		if err != nil {
			break
		}
		msg, err := wire.Decode(ev.Data)
		if err != nil {
			continue
		}
		if msg.Type == wire.TypeDropPlayer {
			sawDropPlayer = true
		}
	}
	// The only other roster member is the local host itself, so
	// dropPlayer has nobody left to notify — DropPlayer is never sent
	// in a 2-player session once the dropped peer is the sole other
	// member. This assertion documents that, rather than asserting a
	// broadcast that provably can't happen here.
	if sawDropPlayer {
		t.Error("unexpected DropPlayer broadcast with no remaining peers to notify")
	}
}

func TestSaveFrameReusesFreeList(t *testing.T) {
	s := callbackFixture(t)

	buf1, _, err := s.saveFrame(0)
	if err != nil {
		t.Fatalf("saveFrame: %v", err)
	}
	s.freeBuffer(buf1, 0)
	if len(s.freeList) != 1 {
		t.Fatalf("freeList len = %d, want 1 after FreeBuffer", len(s.freeList))
	}

	if _, _, err := s.saveFrame(1); err != nil {
		t.Fatalf("saveFrame: %v", err)
	}
	if len(s.freeList) != 0 {
		t.Fatalf("freeList len = %d, want 0 once saveFrame popped the freed buffer", len(s.freeList))
	}
}

func TestAdvanceFrameMutesOnlyDuringReplay(t *testing.T) {
	s := callbackFixture(t)
	h := s.cfg.Host.(*fakeHost)

	if err := s.advanceFrame(0, []input.Bitfield{0x01}, 0, true); err != nil {
		t.Fatalf("advanceFrame: %v", err)
	}
	if err := s.advanceFrame(1, []input.Bitfield{0x01}, 0, false); err != nil {
		t.Fatalf("advanceFrame: %v", err)
	}

	if got := h.muteCalls; len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("muteCalls = %v, want [true false]", got)
	}
}

func TestAdvanceFrameSkipsDisconnectedPlayers(t *testing.T) {
	s := callbackFixture(t)

	var applied []int
	s.cfg.ApplyInput = func(playerNumber int, _ input.Bitfield) { applied = append(applied, playerNumber) }

	if err := s.advanceFrame(0, []input.Bitfield{0x01, 0x02}, 1<<1, false); err != nil {
		t.Fatalf("advanceFrame: %v", err)
	}

	if len(applied) != 1 || applied[0] != 0 {
		t.Fatalf("ApplyInput called for players %v, want only [0] (player 1 disconnected)", applied)
	}
}

func TestHandleControlClosesOnMalformedReset(t *testing.T) {
	s, h, mach := joinerSessionFixture(t)

	mach.Buttons = func() uint8 { return 0 }
	mach.RunFrame()
	mach.RunFrame()
	frameBefore := mach.Frame()

	// A Reset whose declared size is smaller than the fixed portion of
	// the message: malformed per §3's invariant.
	data, err := wire.Encode(wire.Message{Type: wire.TypeReset, Reset: wire.Reset{Cookie: 9, NumPlayers: 1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[2], data[3] = 1, 0 // lie about declared size

	if err := s.handleControl(s.hostPeer, data); err != nil {
		t.Fatalf("handleControl: %v", err)
	}

	if s.state != StateClosingSession {
		t.Fatalf("state = %v, want ClosingSession after a malformed Reset", s.state)
	}
	if len(h.errors) == 0 {
		t.Error("never reported an error via ReportErrorAsync")
	}
	if mach.Frame() != frameBefore {
		t.Errorf("Machine frame changed from %d to %d: a malformed Reset must never load a snapshot", frameBefore, mach.Frame())
	}
}

// --- fixtures ---

// hostSessionFixture builds a Session already acting as host of a
// running 1-player session, bound to tr, ready to receive a
// ConnectRequest over CONTROL.
func hostSessionFixture(t *testing.T, tr transport.Transport, password string) *Session {
	t.Helper()

	s, err := New(Config{
		Transport: tr, Machine: fakemachine.New(), Host: &fakeHost{},
		InputProvider: fakeProvider{}, ApplyInput: func(int, input.Bitfield) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.role = RoleHost
	s.nickname = "alice"
	s.password = password
	s.maxPlayers = 2
	s.localPlayerID = 0
	s.roster[0] = &peerSlot{playerID: 0, nickname: "alice", connected: true}
	s.numPlayers = 1
	s.resetPlayers = map[int16]bool{0: true}
	s.cookie = 1
	s.state = StateRunning

	return s
}

// joinerSessionFixture builds a Session already acting as a joiner,
// connected to the host and waiting out a Reset in StateConnecting.
func joinerSessionFixture(t *testing.T) (*Session, *fakeHost, *fakemachine.Machine) {
	t.Helper()

	h := &fakeHost{}
	mach := fakemachine.New()
	s, err := New(Config{
		Transport: noopTransport{}, Machine: mach, Host: h,
		InputProvider: fakeProvider{}, ApplyInput: func(int, input.Bitfield) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.role = RoleJoiner
	s.nickname = "bob"
	s.maxPlayers = 2
	s.localPlayerID = 1
	s.hostPeer = transport.PeerHandle(1)
	s.hasHostPeer = true
	s.roster[0] = &peerSlot{playerID: 0, peer: s.hostPeer, hasPeer: true, connected: true}
	s.roster[1] = &peerSlot{playerID: 1, nickname: "bob", connected: true}
	s.state = StateConnecting

	return s, h, mach
}

// callbackFixture builds an inactive Session wired only for exercising
// the rollback-callback methods directly, without any transport.
func callbackFixture(t *testing.T) *Session {
	t.Helper()

	s, err := New(Config{
		Transport: noopTransport{}, Machine: fakemachine.New(), Host: &fakeHost{},
		InputProvider: fakeProvider{}, ApplyInput: func(int, input.Bitfield) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func drain(tr *faketransport.Transport) {
	for {
		if _, err := tr.Poll(time.Time{}); err != nil {
			return
		}
	}
}
