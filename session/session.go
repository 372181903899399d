// Package session implements the Session Runner described in §4.4: the
// single owning value that drives the outer netplay loop, dispatching
// between Connecting, Resetting, Running, and ClosingSession, wiring
// the Rollback Engine's callbacks to the Machine, and hosting the
// desync checksum function. It generalizes the teacher's process-wide
// netplay.Session/Game pair (netplay/netplay.go, netplay/game.go) into
// the single owning struct called for by spec.md §9 DESIGN NOTES item
// "Process-wide mutable session state".
package session

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/kestrelnet/netplay/host"
	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/machine"
	"github.com/kestrelnet/netplay/pacer"
	"github.com/kestrelnet/netplay/rollback"
	"github.com/kestrelnet/netplay/transport"
	"github.com/kestrelnet/netplay/wire"
)

// Role distinguishes the host (PlayerID 0) from any joiner.
type Role int

const (
	RoleHost Role = iota
	RoleJoiner
)

// State is the top-level SessionState named in §3.
type State int

const (
	StateInactive State = iota
	StateInitializing
	StateConnecting
	StateResetting
	StateRunning
	StateClosingSession
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateInitializing:
		return "Initializing"
	case StateConnecting:
		return "Connecting"
	case StateResetting:
		return "Resetting"
	case StateRunning:
		return "Running"
	case StateClosingSession:
		return "ClosingSession"
	default:
		return "Unknown"
	}
}

// Defaults applied when Config leaves a field at its zero/sentinel
// value, per Open Question decision (c) (local_delay) and §6's
// MAX_ROLLBACK_FRAMES example.
const (
	DefaultLocalDelay        = 1
	DefaultMaxRollbackFrames = 8
	defaultNominalFramePeriod = time.Second / 60
)

// Timeouts named in §4.2/§5.
const (
	maxConnectTime    = 15 * time.Second
	maxConnectRetries = 3
	maxCloseTime      = 3 * time.Second
)

// Config wires the Session to its collaborators (§1's "external
// collaborators"). Every field except LocalDelay/MaxRollbackFrames/
// NominalFramePeriod is required; see (*Config).validate.
type Config struct {
	Transport transport.Transport
	Machine   machine.Machine
	Host      host.Host

	// InputProvider samples the local controller, per §4.4.
	InputProvider input.Provider

	// ApplyInput hands the resolved per-player input to the embedding
	// application immediately before the Machine advances a frame.
	// machine.Machine has no input-setter of its own (§1 treats it as
	// an opaque collaborator exposing only run/save/restore/boot), so
	// this callback is the seam the Session Runner uses to push input
	// into whatever concrete joystick/controller object the Machine
	// actually reads from — mirroring the teacher's
	// LocalJoy.SetButtons/RemoteJoy.SetButtons calls in
	// netplay/game.go, generalized to an arbitrary number of players.
	ApplyInput func(playerNumber int, value input.Bitfield)

	// LocalDelay is the local input delay in frames. Negative means
	// "use DefaultLocalDelay".
	LocalDelay int

	// MaxRollbackFrames bounds the snapshot ring. Zero or negative
	// means "use DefaultMaxRollbackFrames".
	MaxRollbackFrames int

	// NominalFramePeriod is the Machine's nominal frame period (e.g.
	// 1/60s). Zero means "use defaultNominalFramePeriod".
	NominalFramePeriod time.Duration
}

func (c Config) validate() error {
	if c.Transport == nil || c.Machine == nil || c.Host == nil || c.InputProvider == nil || c.ApplyInput == nil {
		return errIncompleteConfig
	}
	return nil
}

func (c Config) localDelay() int {
	if c.LocalDelay < 0 {
		return DefaultLocalDelay
	}
	return c.LocalDelay
}

func (c Config) maxRollbackFrames() int {
	if c.MaxRollbackFrames <= 0 {
		return DefaultMaxRollbackFrames
	}
	return c.MaxRollbackFrames
}

func (c Config) nominalFramePeriod() time.Duration {
	if c.NominalFramePeriod <= 0 {
		return defaultNominalFramePeriod
	}
	return c.NominalFramePeriod
}

// peerSlot is one roster entry (§3's PeerSlot). hasPeer makes the
// "cleared on disconnect" invariant from spec.md §9 DESIGN NOTES item
// "Peer slot aliasing" type-enforced: callers must check hasPeer
// rather than relying on a zero PeerHandle meaning "absent".
type peerSlot struct {
	playerID       int16
	peer           transport.PeerHandle
	hasPeer        bool
	nickname       string
	addr           *net.UDPAddr
	rollbackHandle rollback.PlayerHandle
	connected      bool // observed transport.EventConnected
	firstResetDone bool // has completed its first Resetting->Running transition
}

// Session is the single owning value for one netplay session (spec.md
// §9 DESIGN NOTES: "group all of it into a single owning Session
// value passed by reference").
type Session struct {
	cfg Config

	role  Role
	state State

	nickname string
	password string

	localPlayerID int16
	localHandle   rollback.PlayerHandle
	maxPlayers    int
	numPlayers    int

	roster       map[int16]*peerSlot
	cookie       uint32
	resetPlayers map[int16]bool
	resyncID     uuid.UUID

	hostPeer    transport.PeerHandle
	hasHostPeer bool
	remoteAddr  string

	engine *rollback.Engine
	pacer  *pacer.Pacer

	freeList [][]byte
	muted    bool

	connectDeadline  time.Time
	connectInterval  time.Duration
	nextRetryAt      time.Time
	connectAttempt   int
	resetDeadline    time.Time
	closeDeadline    time.Time
	closeErr         error

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// New creates an inactive Session bound to cfg. Call CreateSession or
// JoinSession to activate it.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("session: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("session: new zstd decoder: %w", err)
	}

	return &Session{
		cfg:          cfg,
		state:        StateInactive,
		roster:       make(map[int16]*peerSlot),
		resetPlayers: make(map[int16]bool),
		zstdEnc:      enc,
		zstdDec:      dec,
	}, nil
}

func (s *Session) IsActive() bool { return s.state != StateInactive }
func (s *Session) IsHost() bool   { return s.role == RoleHost }
func (s *Session) State() State   { return s.state }

// GetPing reports the round-trip time to the host (for a joiner) or
// the average round-trip time across connected peers (for the host),
// per §6. NetworkStats.Ping is not yet populated by the rollback
// engine in this implementation (see DESIGN.md), so this currently
// always reports zero; the seam is kept so a future RTT-tracking
// handshake only needs to change rollback, not this call site.
func (s *Session) GetPing() time.Duration {
	if s.engine == nil {
		return 0
	}

	if s.role == RoleHost {
		var total, n int
		for id, slot := range s.roster {
			if id == s.localPlayerID || !slot.hasPeer {
				continue
			}
			total += s.engine.GetNetworkStats(slot.rollbackHandle).Ping
			n++
		}
		if n == 0 {
			return 0
		}
		return time.Duration(total/n) * time.Millisecond
	}

	if slot, ok := s.roster[0]; ok {
		return time.Duration(s.engine.GetNetworkStats(slot.rollbackHandle).Ping) * time.Millisecond
	}
	return 0
}

// CreateSession starts a session as host, per §6's CreateSession.
func (s *Session) CreateSession(nickname string, port int, maxPlayers int, password string) error {
	if s.state != StateInactive {
		return errAlreadyActive
	}
	if maxPlayers <= 0 || maxPlayers > wire.MaxPlayers {
		maxPlayers = wire.MaxPlayers
	}

	if err := s.cfg.Transport.Start(port, maxPlayers-1); err != nil {
		return fmt.Errorf("session: start transport: %w", err)
	}

	s.role = RoleHost
	s.nickname = nickname
	s.password = password
	s.maxPlayers = maxPlayers
	s.localPlayerID = 0
	s.roster[0] = &peerSlot{playerID: 0, nickname: nickname, connected: true}
	s.numPlayers = 1
	s.resetPlayers = map[int16]bool{0: true}
	s.cookie = 1
	s.state = StateInitializing

	if err := s.createEngine(); err != nil {
		s.state = StateInactive
		return err
	}

	s.state = StateRunning
	overlay := host.DefaultOverlay()
	s.cfg.Host.SetNetplaySettingsLayer(&overlay)

	return nil
}

// JoinSession connects to a host as a joiner, per §6's JoinSession.
// The ConnectRequest itself is sent once the transport reports the
// dial has connected (see onPeerConnected), not synchronously here.
func (s *Session) JoinSession(nickname, hostAddr string, hostPort int, password string) error {
	if s.state != StateInactive {
		return errAlreadyActive
	}

	if err := s.cfg.Transport.Start(0, wire.MaxPlayers-1); err != nil {
		return fmt.Errorf("session: start transport: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", hostAddr, hostPort)
	peer, err := s.cfg.Transport.Dial(addr)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", addr, err)
	}

	s.role = RoleJoiner
	s.nickname = nickname
	s.password = password
	s.maxPlayers = wire.MaxPlayers
	s.remoteAddr = addr
	s.hostPeer = peer
	s.hasHostPeer = false

	now := time.Now()
	s.connectInterval = maxConnectTime / time.Duration(maxConnectRetries+1)
	s.connectDeadline = now.Add(maxConnectTime)
	s.nextRetryAt = now.Add(s.connectInterval)
	s.connectAttempt = 0
	s.state = StateConnecting

	overlay := host.DefaultOverlay()
	s.cfg.Host.SetNetplaySettingsLayer(&overlay)

	return nil
}

// SendChatMessage broadcasts text to every connected peer on CONTROL,
// per §6.
func (s *Session) SendChatMessage(text string) error {
	if s.state == StateInactive {
		return errNotActive
	}

	data, err := wire.Encode(wire.Message{Type: wire.TypeChatMessage, ChatMessage: wire.ChatMessage{Text: text}})
	if err != nil {
		return fmt.Errorf("session: encode ChatMessage: %w", err)
	}

	for id, slot := range s.roster {
		if id == s.localPlayerID || !slot.hasPeer {
			continue
		}
		if err := s.cfg.Transport.Send(slot.peer, transport.ChannelControl, data, true); err != nil {
			return fmt.Errorf("session: send chat to player %d: %w", id, err)
		}
	}
	return nil
}

// ExecuteNetplay runs one pass of the outer loop, dispatching by
// state exactly as §4.4 describes. The caller invokes this repeatedly
// until IsActive() is false.
func (s *Session) ExecuteNetplay() error {
	switch s.state {
	case StateConnecting:
		return s.tickConnecting()
	case StateResetting:
		return s.tickResetting()
	case StateRunning:
		return s.tickRunning()
	case StateClosingSession:
		return s.tickClosing()
	default:
		return nil
	}
}

func (s *Session) tickConnecting() error {
	s.drainTransport()
	if s.state != StateConnecting {
		return nil // a control message already advanced us past Connecting
	}

	now := time.Now()
	if now.After(s.connectDeadline) {
		s.cfg.Host.ReportErrorAsync("Netplay", "Timed out connecting to server")
		s.beginClose(errConnectTimeout)
		return errConnectTimeout
	}

	if now.After(s.nextRetryAt) && s.connectAttempt < maxConnectRetries {
		s.connectAttempt++
		s.nextRetryAt = now.Add(s.connectInterval)

		if err := s.cfg.Transport.Reset(s.hostPeer); err != nil {
			return fmt.Errorf("session: reset peer before retry: %w", err)
		}
		peer, err := s.cfg.Transport.Dial(s.remoteAddr)
		if err != nil {
			return fmt.Errorf("session: retry dial: %w", err)
		}
		s.hostPeer = peer
		s.hasHostPeer = false
	}

	return nil
}

func (s *Session) tickResetting() error {
	s.drainTransport()
	if s.state != StateResetting {
		return nil
	}

	if !time.Now().After(s.resetDeadline) {
		return nil
	}

	if s.role == RoleHost {
		stale := make([]int16, 0)
		for id := range s.roster {
			if id != s.localPlayerID && !s.resetPlayers[id] {
				stale = append(stale, id)
			}
		}
		for _, id := range stale {
			s.dropPlayer(id, wire.DropConnectionLost)
		}
		return nil
	}

	s.cfg.Host.ReportErrorAsync("Netplay", "Timed out resynchronizing with peers")
	s.beginClose(errResyncTimeout)
	return errResyncTimeout
}

func (s *Session) tickRunning() error {
	s.drainTransport()
	if s.state != StateRunning {
		return nil
	}

	send := s.sendGameplay
	s.engine.Idle(send)
	s.engine.NetworkIdle(send)

	sample := input.Sample(s.cfg.InputProvider)
	if err := s.engine.AddLocalInput(s.localHandle, sample); err != nil {
		return fmt.Errorf("session: add local input: %w", err)
	}
	if _, _, err := s.engine.SynchronizeInput(); err != nil {
		return fmt.Errorf("session: synchronize input: %w", err)
	}
	if err := s.engine.AdvanceFrame(); err != nil {
		return fmt.Errorf("session: advance frame: %w", err)
	}

	s.cfg.Host.PumpMessagesOnCPUThread()

	s.pacer.Tick(s.engine.GetCurrentFrame())
	s.pacer.Throttle(func(deadline time.Time) {
		s.drainTransportUntil(deadline)
	})

	return nil
}

func (s *Session) tickClosing() error {
	s.drainTransport()

	if time.Now().After(s.closeDeadline) || len(s.roster) <= 1 {
		s.teardown()
	}
	return s.closeErr
}

func (s *Session) sendGameplay(peer transport.PeerHandle, data []byte) error {
	return s.cfg.Transport.Send(peer, transport.ChannelGameplay, data, false)
}

func (s *Session) beginClose(err error) {
	s.closeErr = err
	s.closeDeadline = time.Now().Add(maxCloseTime)
	s.state = StateClosingSession
}

func (s *Session) teardown() {
	_ = s.cfg.Transport.Close()
	s.cfg.Host.SetNetplaySettingsLayer(nil)
	if s.zstdDec != nil {
		s.zstdDec.Close()
	}
	s.state = StateInactive
}

func (s *Session) createEngine() error {
	eng, err := rollback.Open(s.maxPlayers, 4, s.cfg.maxRollbackFrames(), s.rollbackCallbacks())
	if err != nil {
		return fmt.Errorf("session: open rollback engine: %w", err)
	}

	for id := int16(0); id < int16(s.maxPlayers); id++ {
		slot, ok := s.roster[id]
		if !ok {
			continue
		}

		var pc rollback.PlayerConfig
		if id == s.localPlayerID {
			pc = rollback.PlayerConfig{Type: rollback.PlayerLocal, PlayerNumber: int(id)}
		} else {
			pc = rollback.PlayerConfig{Type: rollback.PlayerRemote, PlayerNumber: int(id), Peer: slot.peer}
		}

		handle, err := eng.AddPlayer(pc)
		if err != nil {
			return fmt.Errorf("session: add player %d: %w", id, err)
		}
		slot.rollbackHandle = handle

		if id == s.localPlayerID {
			eng.SetFrameDelay(handle, s.cfg.localDelay())
			s.localHandle = handle
		}
	}

	s.engine = eng
	if s.pacer == nil {
		s.pacer = pacer.New(s.cfg.nominalFramePeriod())
	} else {
		s.pacer.Reset()
	}
	s.muted = false

	return nil
}

// snapshotAndCompress serializes the Machine once and returns both the
// raw bytes (for the host's own immediate reload, step 3 of §4.2's
// Reset orchestration) and the zstd-compressed bytes to embed in the
// wire Reset message.
func (s *Session) snapshotAndCompress() (raw []byte, compressed []byte, err error) {
	var buf bytes.Buffer
	if err := s.cfg.Machine.SaveSnapshot(&buf); err != nil {
		return nil, nil, fmt.Errorf("session: save snapshot: %w", err)
	}
	raw = buf.Bytes()
	compressed = s.zstdEnc.EncodeAll(raw, nil)
	return raw, compressed, nil
}

func (s *Session) decompressSnapshot(compressed []byte) ([]byte, error) {
	raw, err := s.zstdDec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("session: decompress snapshot: %w", err)
	}
	return raw, nil
}
