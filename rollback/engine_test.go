package rollback

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/machine/fakemachine"
	"github.com/kestrelnet/netplay/rollback/wirecodec"
	"github.com/kestrelnet/netplay/transport"
)

// harness wires an Engine to a fakemachine.Machine through a small
// buffer pool, the same free-list-backed shape §4.3 assigns to the
// Session Runner, kept minimal here for testing the engine in
// isolation.
type harness struct {
	t        *testing.T
	eng      *Engine
	mach     *fakemachine.Machine
	freeList [][]byte
	advances []int // frames passed to Callbacks.AdvanceFrame, in call order (replays repeat a frame)
	events   []Event
}

func newHarness(t *testing.T, numPlayers, maxRollback int) *harness {
	t.Helper()

	h := &harness{t: t, mach: fakemachine.New()}

	callbacks := Callbacks{
		SaveFrame: func(frame int) ([]byte, uint32, error) {
			var buf []byte
			if n := len(h.freeList); n > 0 {
				buf = h.freeList[n-1][:0]
				h.freeList = h.freeList[:n-1]
			}
			bb := bytes.NewBuffer(buf)
			if err := h.mach.SaveSnapshot(bb); err != nil {
				return nil, 0, err
			}
			out := bb.Bytes()
			return out, crc32.ChecksumIEEE(out), nil
		},
		LoadFrame: func(buf []byte, frame int) error {
			return h.mach.RestoreSnapshot(bytes.NewReader(buf))
		},
		AdvanceFrame: func(frame int, inputs []input.Bitfield, disconnectFlags uint32, replaying bool) error {
			h.advances = append(h.advances, frame)
			var combined uint8
			for i, in := range inputs {
				combined |= uint8(in) << uint(4*i)
			}
			h.mach.Buttons = func() uint8 { return combined }
			h.mach.RunFrame()
			return nil
		},
		FreeBuffer: func(buf []byte, frame int) {
			h.freeList = append(h.freeList, buf)
		},
		OnEvent: func(ev Event) {
			h.events = append(h.events, ev)
		},
	}

	eng, err := Open(numPlayers, 4, maxRollback, callbacks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.eng = eng

	return h
}

func (h *harness) tick(localHandle PlayerHandle, local input.Bitfield) {
	h.t.Helper()

	if err := h.eng.AddLocalInput(localHandle, local); err != nil {
		h.t.Fatalf("AddLocalInput: %v", err)
	}
	if _, _, err := h.eng.SynchronizeInput(); err != nil {
		h.t.Fatalf("SynchronizeInput: %v", err)
	}
	if err := h.eng.AdvanceFrame(); err != nil {
		h.t.Fatalf("AdvanceFrame: %v", err)
	}
}

func TestAddPlayerRejectsOutOfRangeSlot(t *testing.T) {
	h := newHarness(t, 2, 8)
	if _, err := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 2}); err == nil {
		t.Fatal("AddPlayer accepted a player number outside numPlayers")
	}
}

func TestLocalInputAppliedOnExpectedFrame(t *testing.T) {
	h := newHarness(t, 1, 8)
	local, err := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}

	h.tick(local, 0x01)
	h.tick(local, 0x02)
	h.tick(local, 0x04)

	want := []uint8{0x01, 0x02, 0x04}
	got := h.mach.History()
	if len(got) != len(want) {
		t.Fatalf("History len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("History[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestFrameDelayPadsEarlyFramesWithZero(t *testing.T) {
	h := newHarness(t, 1, 8)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.SetFrameDelay(local, 2)

	h.tick(local, 0xFF) // frame 0: delayed input not available yet, plays 0
	h.tick(local, 0xFF) // frame 1: still padded
	h.tick(local, 0xFF) // frame 2: now sees frame 0's real value

	got := h.mach.History()
	if got[0] != 0 || got[1] != 0 {
		t.Fatalf("History[0:2] = %v, want zero-padded while frame delay catches up", got[:2])
	}
	if got[2] != 0xFF {
		t.Fatalf("History[2] = %#x, want 0xFF once the delay elapses", got[2])
	}
}

func TestRemotePredictionHoldsLastConfirmedValue(t *testing.T) {
	h := newHarness(t, 2, 8)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	// The real input for frame 0 arrives before frame 0 is simulated,
	// so there is nothing to mispredict yet.
	data := wirecodec.EncodeInputBatch(wirecodec.InputBatch{PlayerNumber: 1, StartFrame: 0, Inputs: []input.Bitfield{0x0A}})
	if err := h.eng.HandlePacket(transport.PeerHandle(1), data); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	h.tick(local, 0x01) // frame 0: uses the confirmed value 0x0A directly
	h.tick(local, 0x01) // frame 1: no confirmation yet, predicts 0x0A held over

	got := h.mach.History()
	if got[0]&0xF0 != 0xA0 {
		t.Fatalf("History[0] = %#x, want high nibble 0xA (confirmed remote input)", got[0])
	}
	if got[1]&0xF0 != 0xA0 {
		t.Fatalf("History[1] = %#x, want high nibble 0xA (predicted, holding last confirmed value)", got[1])
	}
}

func TestNetworkIdleSendsLocalInputBatch(t *testing.T) {
	h := newHarness(t, 2, 8)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	// Finish the sync handshake so the remote peer is eligible to
	// receive gameplay traffic.
	for i := 0; i < 5; i++ {
		if err := h.eng.HandlePacket(transport.PeerHandle(1), wirecodec.EncodeSyncReply(uint32(i))); err != nil {
			t.Fatalf("HandlePacket: %v", err)
		}
	}

	h.tick(local, 0x01)
	h.tick(local, 0x02)

	var sentToRemote [][]byte
	h.eng.NetworkIdle(func(peer transport.PeerHandle, data []byte) error {
		if peer == transport.PeerHandle(1) {
			sentToRemote = append(sentToRemote, data)
		}
		return nil
	})

	var batch *wirecodec.InputBatch
	for _, data := range sentToRemote {
		pkt, err := wirecodec.Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pkt.Kind == wirecodec.KindInputBatch {
			batch = &pkt.InputBatch
		}
	}
	if batch == nil {
		t.Fatal("NetworkIdle never sent an InputBatch to the remote peer")
	}
	if batch.PlayerNumber != 0 {
		t.Errorf("InputBatch.PlayerNumber = %d, want 0", batch.PlayerNumber)
	}
	want := []input.Bitfield{0x01, 0x02}
	if len(batch.Inputs) != len(want) {
		t.Fatalf("InputBatch.Inputs = %v, want %v", batch.Inputs, want)
	}
	for i := range want {
		if batch.Inputs[i] != want[i] {
			t.Errorf("InputBatch.Inputs[%d] = %v, want %v", i, batch.Inputs[i], want[i])
		}
	}
}

func TestMispredictTriggersReplay(t *testing.T) {
	h := newHarness(t, 2, 8)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	// Run several frames with no confirmed remote input: every frame
	// predicts the remote player held nothing (0x0).
	for i := 0; i < 5; i++ {
		h.tick(local, 0x01)
	}

	preReplayAdvances := len(h.advances)

	// Now the "real" remote input for frame 1 arrives and turns out to
	// have been nonzero — the prediction for frames 1..4 was wrong.
	data := wirecodec.EncodeInputBatch(wirecodec.InputBatch{PlayerNumber: 1, StartFrame: 1, Inputs: []input.Bitfield{0x09}})
	if err := h.eng.HandlePacket(transport.PeerHandle(1), data); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	if len(h.advances) <= preReplayAdvances {
		t.Fatal("HandlePacket did not replay any frames after a misprediction")
	}

	if h.eng.GetCurrentFrame() != 5 {
		t.Fatalf("GetCurrentFrame() = %d, want 5 (replay must not change the live frame pointer)", h.eng.GetCurrentFrame())
	}
}

func TestSnapshotsEvictedBeyondRollbackWindow(t *testing.T) {
	h := newHarness(t, 1, 3)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})

	for i := 0; i < 10; i++ {
		h.tick(local, 0)
	}

	if len(h.freeList) == 0 {
		t.Fatal("FreeBuffer was never called; snapshots older than maxRollbackFrames should be evicted")
	}
}

func TestSyncHandshakeReachesRunning(t *testing.T) {
	h := newHarness(t, 2, 8)
	h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	for i := 0; i < 5; i++ {
		reply := wirecodec.EncodeSyncReply(uint32(i))
		if err := h.eng.HandlePacket(transport.PeerHandle(1), reply); err != nil {
			t.Fatalf("HandlePacket: %v", err)
		}
	}

	var sawConnected, sawSynchronized, sawRunning bool
	for _, ev := range h.events {
		switch ev.Kind {
		case EventConnectedToPeer:
			sawConnected = true
		case EventSynchronizedWithPeer:
			sawSynchronized = true
		case EventRunning:
			sawRunning = true
		}
	}

	if !sawConnected {
		t.Error("never saw EventConnectedToPeer")
	}
	if !sawSynchronized {
		t.Error("never saw EventSynchronizedWithPeer")
	}
	if !sawRunning {
		t.Error("never saw EventRunning once all peers finished the handshake")
	}
}

func TestHandlePacketRejectsUnknownPeer(t *testing.T) {
	h := newHarness(t, 2, 8)
	h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	if err := h.eng.HandlePacket(transport.PeerHandle(99), wirecodec.EncodeSyncReply(0)); err == nil {
		t.Fatal("HandlePacket accepted a packet from a peer handle that was never registered")
	}
}

func TestDesyncEventRaisedOnChecksumMismatch(t *testing.T) {
	h := newHarness(t, 2, 8)
	local, _ := h.eng.AddPlayer(PlayerConfig{Type: PlayerLocal, PlayerNumber: 0})
	h.eng.AddPlayer(PlayerConfig{Type: PlayerRemote, PlayerNumber: 1, Peer: transport.PeerHandle(1)})

	h.tick(local, 0x01)

	ack := wirecodec.EncodeInputAck(wirecodec.InputAck{PlayerNumber: 1, AckFrame: 0, Checksum: 0xDEADBEEF})
	if err := h.eng.HandlePacket(transport.PeerHandle(1), ack); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}

	var sawDesync bool
	for _, ev := range h.events {
		if ev.Kind == EventDesync {
			sawDesync = true
			if ev.FrameOfDesync != 0 {
				t.Errorf("FrameOfDesync = %d, want 0", ev.FrameOfDesync)
			}
		}
	}
	if !sawDesync {
		t.Fatal("expected an EventDesync when the remote-reported checksum disagreed with ours")
	}
}
