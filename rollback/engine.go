// Package rollback implements the rollback/prediction engine described
// in §4.3: speculative frame execution with save/load snapshotting and
// replay-on-mispredict, generalized from the teacher's two-player
// Game.applyRemoteInput rewind-and-replay loop (netplay/game.go) to an
// arbitrary number of players and a bounded ring of per-frame
// snapshots rather than a single checkpoint. See DESIGN.md for the
// grounding of each piece.
package rollback

import (
	"fmt"
	"log"

	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/internal/ringbuf"
	"github.com/kestrelnet/netplay/rollback/wirecodec"
	"github.com/kestrelnet/netplay/transport"
)

// MaxPlayers mirrors wire.MaxPlayers; the two are kept equal by hand,
// and Open rejects a numPlayers above it.
const MaxPlayers = 2

type PlayerType int

const (
	PlayerLocal PlayerType = iota
	PlayerRemote
)

func (t PlayerType) String() string {
	switch t {
	case PlayerLocal:
		return "local"
	case PlayerRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// PlayerConfig describes one seat in the session, passed to AddPlayer.
type PlayerConfig struct {
	Type         PlayerType
	PlayerNumber int // 0-based index, stable for the life of the session
	Peer         transport.PeerHandle
}

// PlayerHandle identifies a player added via AddPlayer.
type PlayerHandle int

// NetworkStats reports the link quality for a remote player, exposed
// to the Session Runner for UI/logging purposes (§4.3, §6).
type NetworkStats struct {
	Ping             int // milliseconds; not measured by this engine, always 0
	RemoteFrameDelay int
	FramesAhead      int
}

type snapshotEntry struct {
	frame    int
	buf      []byte
	checksum uint32
}

type playerState struct {
	cfg        PlayerConfig
	frameDelay int

	// localHistory holds one Bitfield per frame for a PlayerLocal seat,
	// in the order AddLocalInput recorded them. localBase is the frame
	// number index 0 now corresponds to, since evictOlderThan trims the
	// front once a frame falls out of the rollback window.
	localHistory *ringbuf.Buffer[input.Bitfield]
	localBase    int

	confirmed    map[int]input.Bitfield // PlayerRemote only: authoritative input per frame
	lastValue    input.Bitfield         // most recent confirmed (or predicted) value, used to extrapolate
	disconnected bool

	syncing     bool
	syncCur     int
	syncTotal   int
	syncNonce   uint32
	connectedEv bool

	pendingReply []byte // a sync-ack queued for the next Idle drain

	stats NetworkStats
}

// Engine is the rollback/prediction core for one netplay session. It
// is not safe for concurrent use: like the session it serves, it is
// driven entirely from the single CPU thread (§5).
type Engine struct {
	numPlayers        int
	maxRollbackFrames int
	callbacks         Callbacks

	players    []*playerState // indexed by PlayerNumber
	handleOf   map[PlayerHandle]*playerState
	peerOf     map[transport.PeerHandle]*playerState
	nextHandle PlayerHandle

	currentFrame int // next frame to be produced by AdvanceFrame

	frameInputs    map[int][]input.Bitfield
	framePredicted map[int][]bool
	disconnectAt   map[int]uint32

	snapshots    map[int]*snapshotEntry
	oldestSnap   int
	haveSnap     bool
	rollbackFrom int // -1 when no replay is pending

	lastTimeSyncFrame int
}

// timeSyncInterval is how often (in frames) the engine reports drift
// against its remote peers via EventTimeSync, per §4.5's periodic
// correction model.
const timeSyncInterval = 60

// inputBatchSize bounds how many trailing frames of local input ride
// in a single outgoing InputBatch, mirroring the teacher's
// inputBatchSize constant (netplay/netplay.go). Unlike the teacher,
// which sends a batch once it fills and relies on TCP for delivery,
// GAMEPLAY is unreliable (§4.1), so every batch resends this whole
// trailing window rather than only the newest frame: a dropped
// datagram is covered by the next tick's batch instead of needing a
// retransmit handshake of its own.
const inputBatchSize = 8

// Open creates a rollback engine for numPlayers seats. perInputSize is
// accepted for signature parity with the distilled spec but unused:
// Go's input.Bitfield is a fixed-width type, so there is no variable
// per-input size to configure.
func Open(numPlayers, perInputSize, maxRollbackFrames int, callbacks Callbacks) (*Engine, error) {
	if numPlayers <= 0 || numPlayers > MaxPlayers {
		return nil, errTooManyPlayers
	}
	if err := callbacks.validate(); err != nil {
		return nil, err
	}
	if maxRollbackFrames <= 0 {
		maxRollbackFrames = 8
	}

	e := &Engine{
		numPlayers:        numPlayers,
		maxRollbackFrames: maxRollbackFrames,
		callbacks:         callbacks,
		players:           make([]*playerState, numPlayers),
		handleOf:          make(map[PlayerHandle]*playerState),
		peerOf:            make(map[transport.PeerHandle]*playerState),
		frameInputs:       make(map[int][]input.Bitfield),
		framePredicted:    make(map[int][]bool),
		disconnectAt:      make(map[int]uint32),
		snapshots:         make(map[int]*snapshotEntry),
		rollbackFrom:      -1,
	}

	return e, nil
}

func (e *Engine) AddPlayer(cfg PlayerConfig) (PlayerHandle, error) {
	if cfg.PlayerNumber < 0 || cfg.PlayerNumber >= e.numPlayers {
		return 0, fmt.Errorf("rollback: player number %d out of range", cfg.PlayerNumber)
	}

	ps := &playerState{cfg: cfg, frameDelay: 0}
	if cfg.Type == PlayerLocal {
		ps.localHistory = ringbuf.New[input.Bitfield](e.maxRollbackFrames * 2)
	}
	if cfg.Type == PlayerRemote {
		ps.confirmed = make(map[int]input.Bitfield)
		ps.syncing = true
		ps.syncTotal = 5
	}

	e.players[cfg.PlayerNumber] = ps

	e.nextHandle++
	handle := e.nextHandle
	e.handleOf[handle] = ps
	if cfg.Type == PlayerRemote {
		e.peerOf[cfg.Peer] = ps
	}

	return handle, nil
}

// SetFrameDelay sets the number of frames by which a local player's
// input lags behind the frame it was sampled on, giving remote input
// time to arrive before it is needed. frames must not exceed
// maxRollbackFrames: local input history is trimmed on the same
// schedule as the snapshot ring.
func (e *Engine) SetFrameDelay(handle PlayerHandle, frames int) {
	if ps, ok := e.handleOf[handle]; ok {
		ps.frameDelay = frames
	}
}

func (e *Engine) GetCurrentFrame() int { return e.currentFrame }

func (e *Engine) GetNetworkStats(handle PlayerHandle) NetworkStats {
	ps, ok := e.handleOf[handle]
	if !ok {
		return NetworkStats{}
	}

	stats := ps.stats
	stats.RemoteFrameDelay = ps.frameDelay
	if highest := e.highestConfirmed(ps); highest >= 0 {
		stats.FramesAhead = e.currentFrame - highest - 1
	}
	return stats
}

func (e *Engine) highestConfirmed(ps *playerState) int {
	highest := -1
	for frame := range ps.confirmed {
		if frame > highest {
			highest = frame
		}
	}
	return highest
}

// SetDisconnected marks a remote player as disconnected: every future
// frame synthesizes its input from the last confirmed value and sets
// its bit in disconnectFlags, per §4.3's disconnect handling.
func (e *Engine) SetDisconnected(handle PlayerHandle, disconnected bool) {
	ps, ok := e.handleOf[handle]
	if !ok {
		return
	}

	wasDisconnected := ps.disconnected
	ps.disconnected = disconnected
	if disconnected && !wasDisconnected {
		e.callbacks.OnEvent(Event{Kind: EventDisconnectedFromPeer, Player: ps.cfg.PlayerNumber})
	}
}

// AddLocalInput records buttons as the input a local player has
// sampled for the upcoming call to SynchronizeInput/AdvanceFrame.
func (e *Engine) AddLocalInput(handle PlayerHandle, buttons input.Bitfield) error {
	ps, ok := e.handleOf[handle]
	if !ok {
		return errUnknownHandle
	}
	if ps.cfg.Type != PlayerLocal {
		return errNotLocal
	}

	ps.localHistory.PushBack(buttons)
	return nil
}

// SynchronizeInput resolves the input for e.currentFrame: local values
// come straight from AddLocalInput (delayed by each player's
// FrameDelay), remote values come from the last confirmed input
// batch or, absent one, a prediction that the remote player keeps
// pressing whatever it pressed last (§4.3's "held-input" heuristic,
// grounded on HandleLocalInput's RemoteJoy.SetButtons(g.lastRemoteInput)
// in netplay/game.go).
func (e *Engine) SynchronizeInput() ([]input.Bitfield, uint32, error) {
	inputs := make([]input.Bitfield, e.numPlayers)
	predicted := make([]bool, e.numPlayers)
	var disconnectFlags uint32

	for i, ps := range e.players {
		if ps == nil {
			continue
		}

		switch ps.cfg.Type {
		case PlayerLocal:
			idx := e.currentFrame - ps.frameDelay - ps.localBase
			switch {
			case idx < 0:
				inputs[i] = 0
			case idx < ps.localHistory.Len():
				inputs[i] = ps.localHistory.At(idx)
			default:
				inputs[i] = ps.lastValue
			}
			ps.lastValue = inputs[i]

		case PlayerRemote:
			if v, ok := ps.confirmed[e.currentFrame]; ok {
				inputs[i] = v
				ps.lastValue = v
			} else {
				inputs[i] = ps.lastValue
				predicted[i] = true
			}
			if ps.disconnected {
				disconnectFlags |= 1 << uint(i)
			}
		}
	}

	e.frameInputs[e.currentFrame] = inputs
	e.framePredicted[e.currentFrame] = predicted
	e.disconnectAt[e.currentFrame] = disconnectFlags

	return inputs, disconnectFlags, nil
}

// AdvanceFrame runs the Machine forward for e.currentFrame using the
// values SynchronizeInput resolved, snapshots the result into the
// ring, and advances e.currentFrame. This is the live path driven by
// the Session Runner's outer loop, distinct from the internal replay
// performed by rollback().
func (e *Engine) AdvanceFrame() error {
	frame := e.currentFrame
	inputs := e.frameInputs[frame]
	disconnectFlags := e.disconnectAt[frame]

	if err := e.callbacks.AdvanceFrame(frame, inputs, disconnectFlags, false); err != nil {
		return fmt.Errorf("rollback: advance frame %d: %w", frame, err)
	}

	if err := e.snapshot(frame); err != nil {
		return err
	}

	e.currentFrame++
	if e.currentFrame == 0 {
		panic("rollback: frame counter overflow")
	}

	return nil
}

func (e *Engine) snapshot(frame int) error {
	buf, checksum, err := e.callbacks.SaveFrame(frame)
	if err != nil {
		return fmt.Errorf("rollback: save frame %d: %w", frame, err)
	}

	e.snapshots[frame] = &snapshotEntry{frame: frame, buf: buf, checksum: checksum}
	if !e.haveSnap {
		e.oldestSnap = frame
		e.haveSnap = true
	}

	e.evictOlderThan(frame - e.maxRollbackFrames)
	return nil
}

func (e *Engine) evictOlderThan(keepFrom int) {
	for e.haveSnap && e.oldestSnap < keepFrom {
		if snap, ok := e.snapshots[e.oldestSnap]; ok {
			e.callbacks.FreeBuffer(snap.buf, snap.frame)
			delete(e.snapshots, e.oldestSnap)
		}
		delete(e.frameInputs, e.oldestSnap)
		delete(e.framePredicted, e.oldestSnap)
		delete(e.disconnectAt, e.oldestSnap)
		e.oldestSnap++
	}

	for _, ps := range e.players {
		if ps == nil || ps.cfg.Type != PlayerLocal {
			continue
		}
		if drop := keepFrom - ps.localBase; drop > 0 {
			ps.localHistory.TruncFront(drop)
			ps.localBase += drop
		}
	}
}

// Idle advances the remote-player synchronization handshake and sends
// any queued sync replies. The Session Runner calls it once per
// Running-state pass of its outer loop.
func (e *Engine) Idle(sendGameplay func(peer transport.PeerHandle, data []byte) error) {
	for _, ps := range e.players {
		if ps == nil || ps.cfg.Type != PlayerRemote {
			continue
		}

		if ps.pendingReply != nil {
			reply := ps.pendingReply
			ps.pendingReply = nil
			if err := sendGameplay(ps.cfg.Peer, reply); err != nil {
				log.Printf("[DEBUG] rollback: sync reply to player %d failed: %v", ps.cfg.PlayerNumber, err)
			}
		}

		if !ps.syncing {
			continue
		}

		ps.syncNonce++
		if err := sendGameplay(ps.cfg.Peer, wirecodec.EncodeSyncRequest(ps.syncNonce)); err != nil {
			log.Printf("[DEBUG] rollback: sync request to player %d failed: %v", ps.cfg.PlayerNumber, err)
		}
	}
}

// NetworkIdle sends every local player's recent input to each
// synchronized remote peer, and sends each remote peer an InputAck
// carrying this engine's latest simulated frame and its checksum,
// which the peer compares against its own snapshot to detect a
// desync. The teacher has no direct analog for the latter. Acks do
// not trim what is resent: each input batch carries the whole
// trailing window.
func (e *Engine) NetworkIdle(sendGameplay func(peer transport.PeerHandle, data []byte) error) {
	e.sendLocalInputBatches(sendGameplay)

	var remotes int
	var driftSum int

	for i, ps := range e.players {
		if ps == nil || ps.cfg.Type != PlayerRemote {
			continue
		}

		ackFrame := e.currentFrame - 1
		if ackFrame < 0 {
			continue
		}

		var checksum uint32
		if snap, ok := e.snapshots[ackFrame]; ok {
			checksum = snap.checksum
		}

		pkt := wirecodec.EncodeInputAck(wirecodec.InputAck{PlayerNumber: uint8(i), AckFrame: uint32(ackFrame), Checksum: checksum})
		if err := sendGameplay(ps.cfg.Peer, pkt); err != nil {
			log.Printf("[DEBUG] rollback: ack to player %d failed: %v", ps.cfg.PlayerNumber, err)
		}

		if !ps.syncing {
			remotes++
			driftSum += e.currentFrame - e.highestConfirmed(ps) - 1
		}
	}

	if remotes > 0 && e.currentFrame-e.lastTimeSyncFrame >= timeSyncInterval {
		e.lastTimeSyncFrame = e.currentFrame
		e.callbacks.OnEvent(Event{
			Kind:           EventTimeSync,
			FramesAhead:    driftSum / remotes,
			PeriodInFrames: timeSyncInterval,
		})
	}
}

// sendLocalInputBatches packages each local player's trailing
// inputBatchSize frames of sampled input into an InputBatch and sends
// it to every remote peer that has finished the sync handshake,
// analogous to how the teacher's netplay/netplay.go sends its
// Message{Input: ...} each frame (netplay.Netplay.SendInput).
func (e *Engine) sendLocalInputBatches(sendGameplay func(peer transport.PeerHandle, data []byte) error) {
	for _, local := range e.players {
		if local == nil || local.cfg.Type != PlayerLocal {
			continue
		}

		n := local.localHistory.Len()
		if n == 0 {
			continue
		}

		start := n - inputBatchSize
		if start < 0 {
			start = 0
		}

		values := make([]input.Bitfield, n-start)
		for i := start; i < n; i++ {
			values[i-start] = local.localHistory.At(i)
		}

		pkt := wirecodec.EncodeInputBatch(wirecodec.InputBatch{
			PlayerNumber: uint8(local.cfg.PlayerNumber),
			StartFrame:   uint32(local.localBase + start),
			Inputs:       values,
		})

		for _, ps := range e.players {
			if ps == nil || ps.cfg.Type != PlayerRemote || ps.syncing {
				continue
			}
			if err := sendGameplay(ps.cfg.Peer, pkt); err != nil {
				log.Printf("[DEBUG] rollback: input batch to player %d failed: %v", ps.cfg.PlayerNumber, err)
			}
		}
	}
}

// HandlePacket decodes a GAMEPLAY datagram from peer and folds it
// into the engine's state: sync handshake progress, newly confirmed
// remote input (triggering a replay if it contradicts a prediction
// already simulated), or a remote checksum report (triggering a
// Desync event on mismatch).
func (e *Engine) HandlePacket(peer transport.PeerHandle, data []byte) error {
	ps, ok := e.peerOf[peer]
	if !ok {
		return fmt.Errorf("rollback: packet from unknown peer %d", peer)
	}

	pkt, err := wirecodec.Decode(data)
	if err != nil {
		log.Printf("[DEBUG] rollback: dropping malformed gameplay packet from player %d: %v", ps.cfg.PlayerNumber, err)
		return nil
	}

	switch pkt.Kind {
	case wirecodec.KindSyncRequest:
		return e.sendGameplayNow(ps, wirecodec.EncodeSyncReply(pkt.SyncRequest.Nonce))

	case wirecodec.KindSyncReply:
		e.handleSyncReply(ps)

	case wirecodec.KindInputBatch:
		e.handleInputBatch(ps, int(pkt.InputBatch.PlayerNumber), int(pkt.InputBatch.StartFrame), pkt.InputBatch.Inputs)

	case wirecodec.KindInputAck:
		e.handleInputAck(ps, int(pkt.InputAck.AckFrame), pkt.InputAck.Checksum)
	}

	return e.maybeReplay()
}

func (e *Engine) handleSyncReply(ps *playerState) {
	if !ps.syncing {
		return
	}

	ps.syncCur++
	e.callbacks.OnEvent(Event{Kind: EventSynchronizingWithPeer, Player: ps.cfg.PlayerNumber, Cur: ps.syncCur, Total: ps.syncTotal})

	if !ps.connectedEv {
		ps.connectedEv = true
		e.callbacks.OnEvent(Event{Kind: EventConnectedToPeer, Player: ps.cfg.PlayerNumber})
	}

	if ps.syncCur >= ps.syncTotal {
		ps.syncing = false
		e.callbacks.OnEvent(Event{Kind: EventSynchronizedWithPeer, Player: ps.cfg.PlayerNumber})

		if e.allSynchronized() {
			e.callbacks.OnEvent(Event{Kind: EventRunning})
		}
	}
}

func (e *Engine) allSynchronized() bool {
	for _, ps := range e.players {
		if ps != nil && ps.cfg.Type == PlayerRemote && ps.syncing {
			return false
		}
	}
	return true
}

func (e *Engine) handleInputBatch(ps *playerState, playerNumber int, start int, values []input.Bitfield) {
	if playerNumber != ps.cfg.PlayerNumber {
		return
	}

	for i, v := range values {
		frame := start + i
		ps.confirmed[frame] = v
		ps.lastValue = v

		if frame >= e.currentFrame {
			continue // not yet simulated; SynchronizeInput will pick it up directly
		}

		predicted := e.framePredicted[frame]
		if predicted == nil || !predicted[playerNumber] {
			continue // already confirmed (or frame has been evicted from the ring)
		}

		recorded := e.frameInputs[frame]
		mispredicted := recorded == nil || recorded[playerNumber] != v

		if recorded != nil {
			recorded[playerNumber] = v
		}
		predicted[playerNumber] = false

		if mispredicted {
			if e.rollbackFrom < 0 || frame < e.rollbackFrom {
				e.rollbackFrom = frame
			}
		}
	}
}

func (e *Engine) handleInputAck(ps *playerState, frame int, checksum uint32) {
	snap, ok := e.snapshots[frame]
	if !ok {
		return // frame already evicted from our ring; nothing to compare
	}

	if snap.checksum != checksum {
		e.callbacks.OnEvent(Event{
			Kind:                 EventDesync,
			FrameOfDesync:        frame,
			OurChecksum:          snap.checksum,
			RemoteChecksum:       checksum,
			DesyncPlayerRemoteOf: ps.cfg.PlayerNumber,
		})
	}
}

// maybeReplay performs the rewind-and-replay described in §4.3 when a
// confirmed remote input has just contradicted a prediction the
// engine already simulated past. It generalizes
// Game.applyRemoteInput's rollback-then-replay loop
// (netplay/game.go) from a single fixed checkpoint to the snapshot
// ring, and from two fixed joysticks to per-frame recorded input
// slices covering every player.
func (e *Engine) maybeReplay() error {
	if e.rollbackFrom < 0 {
		return nil
	}

	mispredictFrame := e.rollbackFrom
	e.rollbackFrom = -1

	loadFrame := mispredictFrame - 1
	snap, ok := e.snapshots[loadFrame]
	if !ok {
		return errFrameGone
	}

	if err := e.callbacks.LoadFrame(snap.buf, loadFrame); err != nil {
		return fmt.Errorf("rollback: load frame %d: %w", loadFrame, err)
	}

	for f := mispredictFrame; f < e.currentFrame; f++ {
		inputs := e.frameInputs[f]
		disconnectFlags := e.disconnectAt[f]

		if err := e.callbacks.AdvanceFrame(f, inputs, disconnectFlags, true); err != nil {
			return fmt.Errorf("rollback: replay frame %d: %w", f, err)
		}

		buf, checksum, err := e.callbacks.SaveFrame(f)
		if err != nil {
			return fmt.Errorf("rollback: re-save frame %d: %w", f, err)
		}

		if old, ok := e.snapshots[f]; ok {
			e.callbacks.FreeBuffer(old.buf, old.frame)
		}
		e.snapshots[f] = &snapshotEntry{frame: f, buf: buf, checksum: checksum}
	}

	return nil
}

func (e *Engine) sendGameplayNow(ps *playerState, data []byte) error {
	// HandlePacket does not have a transport handle to send through
	// directly; the caller (session) supplies the send function via
	// Idle/NetworkIdle for steady-state traffic. Immediate replies
	// (sync ack) are instead queued here and drained on the next
	// Idle call by the Session Runner, keeping the engine free of a
	// direct transport dependency beyond PeerHandle plumbing.
	ps.pendingReply = data
	return nil
}
