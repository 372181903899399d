package session

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelnet/netplay/transport"
	"github.com/kestrelnet/netplay/wire"
)

// drainTransport processes every Transport event currently available
// without blocking, per §5's "Transport poll" pass.
func (s *Session) drainTransport() {
	s.drainTransportUntil(time.Time{})
}

// drainTransportUntil polls until deadline (or, if deadline is the
// zero value, polls exactly once with no wait) is reached, folding
// every event it sees into the session. This is also the pollFn the
// Frame Pacer's Throttle calls during its sleep increments (§4.5), so
// GAMEPLAY and CONTROL traffic keep flowing while the CPU thread
// sleeps.
func (s *Session) drainTransportUntil(deadline time.Time) {
	for {
		ev, err := s.cfg.Transport.Poll(deadline)
		if err != nil {
			if !errors.Is(err, transport.ErrPollTimeout) {
				log.Printf("[ERROR] session: transport poll: %v", err)
			}
			return
		}
		s.handleTransportEvent(ev)
	}
}

func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		s.onPeerConnected(ev.Peer)
	case transport.EventDisconnected:
		s.onPeerDisconnected(ev.Peer)
	case transport.EventReceived:
		if ev.Channel == transport.ChannelControl {
			if err := s.handleControl(ev.Peer, ev.Data); err != nil {
				log.Printf("[DEBUG] session: dropping control packet from peer %d: %v", ev.Peer, err)
			}
		} else if s.engine != nil {
			if err := s.engine.HandlePacket(ev.Peer, ev.Data); err != nil {
				log.Printf("[DEBUG] session: dropping gameplay packet from peer %d: %v", ev.Peer, err)
			}
		}
	}
}

func (s *Session) onPeerConnected(peer transport.PeerHandle) {
	if s.role == RoleJoiner && s.state == StateConnecting && peer == s.hostPeer && !s.hasHostPeer {
		s.hasHostPeer = true
		s.sendConnectRequest()
	}
}

func (s *Session) onPeerDisconnected(peer transport.PeerHandle) {
	slot := s.findSlotByPeer(peer)
	if slot == nil {
		return
	}

	if s.engine != nil {
		s.engine.SetDisconnected(slot.rollbackHandle, true)
	}

	if s.role == RoleHost {
		s.dropPlayer(slot.playerID, wire.DropConnectionLost)
		return
	}

	if slot.playerID == 0 {
		s.cfg.Host.ReportErrorAsync("Netplay", "lost connection to host")
		s.beginClose(errLostHost)
		return
	}

	data, err := wire.Encode(wire.Message{
		Type:         wire.TypeResetRequest,
		ResetRequest: wire.ResetRequest{Reason: wire.ResetReasonConnectionLost, CausingPlayerID: slot.playerID},
	})
	if err != nil {
		log.Printf("[ERROR] session: encode ResetRequest: %v", err)
		return
	}
	if err := s.cfg.Transport.Send(s.hostPeer, transport.ChannelControl, data, true); err != nil {
		log.Printf("[ERROR] session: send ResetRequest: %v", err)
	}
}

func (s *Session) findSlotByPeer(peer transport.PeerHandle) *peerSlot {
	for _, slot := range s.roster {
		if slot.hasPeer && slot.peer == peer {
			return slot
		}
	}
	return nil
}

func (s *Session) sendConnectRequest() {
	msg := wire.Message{
		Type: wire.TypeConnectRequest,
		ConnectRequest: wire.ConnectRequest{
			Mode:              wire.ModePlayer,
			RequestedPlayerID: -1,
			Nickname:          s.nickname,
			SessionPassword:   s.password,
		},
	}
	data, err := wire.Encode(msg)
	if err != nil {
		log.Printf("[ERROR] session: encode ConnectRequest: %v", err)
		return
	}
	if err := s.cfg.Transport.Send(s.hostPeer, transport.ChannelControl, data, true); err != nil {
		log.Printf("[ERROR] session: send ConnectRequest: %v", err)
	}
}

func (s *Session) handleControl(peer transport.PeerHandle, data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		// §7: a malformed/oversized Reset is fatal to the session, not a
		// recoverable drop — the joiner must close with an error and
		// never touch the Machine. Every other malformed packet is just
		// dropped by the caller. wire.Decode reports Type even on a
		// body-validation failure, which is what makes that distinction
		// possible here.
		if msg.Type == wire.TypeReset {
			s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("malformed Reset: %v", err))
			s.beginClose(fmt.Errorf("session: malformed Reset: %w", err))
			return nil
		}
		return fmt.Errorf("decode: %w", err)
	}

	switch msg.Type {
	case wire.TypeConnectRequest:
		s.handleConnectRequest(peer, msg.ConnectRequest)
	case wire.TypeConnectResponse:
		s.handleConnectResponse(msg.ConnectResponse)
	case wire.TypeReset:
		s.handleReset(msg.Reset)
	case wire.TypeResetComplete:
		s.handleResetComplete(peer, msg.ResetComplete)
	case wire.TypeResumeSession:
		s.handleResumeSession()
	case wire.TypePlayerJoined:
		s.cfg.Host.OnNetplayMessage(fmt.Sprintf("player %d joined", msg.PlayerJoined.PlayerID))
	case wire.TypeDropPlayer:
		s.handleDropPlayer(msg.DropPlayer)
	case wire.TypeResetRequest:
		s.handleResetRequest(msg.ResetRequest)
	case wire.TypeCloseSession:
		s.handleCloseSession(msg.CloseSession)
	case wire.TypeChatMessage:
		s.handleChatMessage(peer, msg.ChatMessage)
	default:
		return fmt.Errorf("unhandled type %v", msg.Type)
	}

	return nil
}

// handleConnectRequest implements the host's admission policy (§4.2).
func (s *Session) handleConnectRequest(peer transport.PeerHandle, req wire.ConnectRequest) {
	if s.role != RoleHost {
		return
	}

	reject := func(result wire.ConnectResult) {
		data, err := wire.Encode(wire.Message{Type: wire.TypeConnectResponse, ConnectResponse: wire.ConnectResponse{Result: result, PlayerID: -1}})
		if err != nil {
			log.Printf("[ERROR] session: encode ConnectResponse: %v", err)
			return
		}
		if err := s.cfg.Transport.Send(peer, transport.ChannelControl, data, true); err != nil {
			log.Printf("[ERROR] session: send ConnectResponse: %v", err)
		}
	}

	if req.Mode != wire.ModePlayer {
		reject(wire.ResultSessionClosed)
		return
	}
	if s.password != "" && req.SessionPassword != s.password {
		reject(wire.ResultWrongPassword)
		return
	}

	var id int16 = -1
	if req.RequestedPlayerID >= 0 {
		if _, occupied := s.roster[req.RequestedPlayerID]; occupied {
			reject(wire.ResultPlayerIDInUse)
			return
		}
		if int(req.RequestedPlayerID) < s.maxPlayers {
			id = req.RequestedPlayerID
		}
	} else {
		id = s.lowestFreeID()
	}
	if id < 0 || int(id) >= s.maxPlayers {
		reject(wire.ResultServerFull)
		return
	}

	s.roster[id] = &peerSlot{playerID: id, peer: peer, hasPeer: true, nickname: req.Nickname, connected: true}
	s.numPlayers++

	data, err := wire.Encode(wire.Message{Type: wire.TypeConnectResponse, ConnectResponse: wire.ConnectResponse{Result: wire.ResultSuccess, PlayerID: id}})
	if err != nil {
		log.Printf("[ERROR] session: encode ConnectResponse: %v", err)
		return
	}
	if err := s.cfg.Transport.Send(peer, transport.ChannelControl, data, true); err != nil {
		log.Printf("[ERROR] session: send ConnectResponse: %v", err)
		return
	}

	s.beginReset()
}

func (s *Session) lowestFreeID() int16 {
	for i := int16(0); i < int16(s.maxPlayers); i++ {
		if _, ok := s.roster[i]; !ok {
			return i
		}
	}
	return -1
}

func (s *Session) handleConnectResponse(resp wire.ConnectResponse) {
	if s.role != RoleJoiner || s.state != StateConnecting {
		return
	}

	if resp.Result != wire.ResultSuccess {
		s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("connection refused: %v", resp.Result))
		s.beginClose(fmt.Errorf("session: connect refused: %v", resp.Result))
		return
	}

	s.localPlayerID = resp.PlayerID
	s.roster[s.localPlayerID] = &peerSlot{playerID: s.localPlayerID, nickname: s.nickname, connected: true}
	s.roster[0] = &peerSlot{playerID: 0, peer: s.hostPeer, hasPeer: true, connected: true}
	// Stays in Connecting until the host's Reset arrives.
}

// buildRosterEntries renders the current roster into the fixed-size
// wire format §6 specifies for Reset.
func (s *Session) buildRosterEntries() [wire.MaxPlayers]wire.PlayerEntry {
	var arr [wire.MaxPlayers]wire.PlayerEntry
	for i := range arr {
		arr[i].ControllerPort = -1
	}
	for id, slot := range s.roster {
		if id < 0 || int(id) >= wire.MaxPlayers {
			continue
		}
		h, p := wire.PackAddr(slot.addr)
		arr[id] = wire.PlayerEntry{ControllerPort: id, Nickname: slot.nickname, Host: h, Port: p}
	}
	return arr
}

// beginReset performs the host side of §4.2's Resync orchestration,
// steps 1-3: serialize+compress the snapshot, build and broadcast
// Reset, destroy the live Rollback Engine, reload locally.
func (s *Session) beginReset() {
	s.cookie++
	s.resyncID = uuid.New()

	raw, compressed, err := s.snapshotAndCompress()
	if err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("failed to snapshot machine: %v", err))
		s.beginClose(err)
		return
	}

	s.engine = nil // the Session Runner, not the Rollback Engine, owns the free-list; a fresh Open() starts clean.

	msg := wire.Message{
		Type: wire.TypeReset,
		Reset: wire.Reset{
			Cookie:     s.cookie,
			NumPlayers: uint16(len(s.roster)),
			Players:    s.buildRosterEntries(),
			StateData:  compressed,
		},
	}
	data, err := wire.Encode(msg)
	if err != nil {
		log.Printf("[ERROR] session: encode Reset: %v", err)
		return
	}

	for id, slot := range s.roster {
		if id == s.localPlayerID || !slot.hasPeer {
			continue
		}
		if err := s.cfg.Transport.Send(slot.peer, transport.ChannelControl, data, true); err != nil {
			log.Printf("[ERROR] session: send Reset to player %d: %v", id, err)
		}
	}

	if err := s.cfg.Machine.RestoreSnapshot(bytes.NewReader(raw)); err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("failed to reload own snapshot: %v", err))
		s.beginClose(err)
		return
	}

	s.resetPlayers = map[int16]bool{s.localPlayerID: true}
	s.state = StateResetting
	s.resetDeadline = time.Now().Add(maxConnectTime)
	s.cfg.Host.DisplayLoadingScreen(fmt.Sprintf("resynchronizing (%s)", s.resyncID), -1)
}

// handleReset implements the joiner side of §4.2's Resync
// orchestration, step 4.
func (s *Session) handleReset(reset wire.Reset) {
	if s.role != RoleJoiner {
		return
	}

	raw, err := s.decompressSnapshot(reset.StateData)
	if err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("malformed Reset: %v", err))
		s.beginClose(err)
		return
	}

	newRoster := make(map[int16]*peerSlot, reset.NumPlayers)
	for i := 0; i < wire.MaxPlayers; i++ {
		pe := reset.Players[i]
		if pe.ControllerPort < 0 {
			continue
		}
		id := int16(i)
		newRoster[id] = &peerSlot{playerID: id, nickname: pe.Nickname, addr: wire.UnpackAddr(pe.Host, pe.Port)}
	}

	for id, old := range s.roster {
		if id == s.localPlayerID || !old.hasPeer {
			continue
		}
		if _, stillPresent := newRoster[id]; !stillPresent {
			_ = s.cfg.Transport.Disconnect(old.peer, true)
		}
	}

	for id, slot := range newRoster {
		if id == s.localPlayerID {
			continue
		}
		old, existed := s.roster[id]
		if existed && old.hasPeer && addrEqual(old.addr, slot.addr) {
			slot.peer, slot.hasPeer, slot.connected = old.peer, true, old.connected
			continue
		}
		// §4.2 step 4: lower-numbered peers listen, higher-numbered
		// peers dial. With this implementation's fixed MaxPlayers=2,
		// the only lower-numbered peer a joiner ever needs is the
		// host (PlayerID 0), already connected as s.hostPeer.
		if id < s.localPlayerID && id == 0 && s.hasHostPeer {
			slot.peer, slot.hasPeer, slot.connected = s.hostPeer, true, true
		}
	}
	newRoster[s.localPlayerID] = &peerSlot{playerID: s.localPlayerID, nickname: s.nickname, connected: true}
	s.roster = newRoster
	s.cookie = reset.Cookie

	if err := s.cfg.Machine.RestoreSnapshot(bytes.NewReader(raw)); err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", fmt.Sprintf("failed to load snapshot: %v", err))
		s.beginClose(err)
		return
	}

	s.engine = nil
	s.state = StateResetting
	s.resetDeadline = time.Now().Add(2 * maxConnectTime)
	s.cfg.Host.DisplayLoadingScreen("resynchronizing", -1)

	s.maybeSendResetComplete()
}

// maybeSendResetComplete implements §4.2 step 5.
func (s *Session) maybeSendResetComplete() {
	for id, slot := range s.roster {
		if id < s.localPlayerID && !(slot.hasPeer && slot.connected) {
			return
		}
	}

	data, err := wire.Encode(wire.Message{Type: wire.TypeResetComplete, ResetComplete: wire.ResetComplete{Cookie: s.cookie}})
	if err != nil {
		log.Printf("[ERROR] session: encode ResetComplete: %v", err)
		return
	}
	if host, ok := s.roster[0]; ok && host.hasPeer {
		if err := s.cfg.Transport.Send(host.peer, transport.ChannelControl, data, true); err != nil {
			log.Printf("[ERROR] session: send ResetComplete: %v", err)
		}
	}
}

// handleResetComplete implements the host side of §4.2 steps 5-6.
func (s *Session) handleResetComplete(peer transport.PeerHandle, rc wire.ResetComplete) {
	if s.role != RoleHost || s.state != StateResetting {
		return
	}
	if rc.Cookie != s.cookie {
		log.Printf("[DEBUG] session: stale ResetComplete cookie %d (want %d)", rc.Cookie, s.cookie)
		return
	}

	slot := s.findSlotByPeer(peer)
	if slot == nil {
		return
	}
	if s.resetPlayers[slot.playerID] {
		log.Printf("[DEBUG] session: duplicate ResetComplete from player %d", slot.playerID)
		return
	}
	s.resetPlayers[slot.playerID] = true

	if len(s.resetPlayers) < len(s.roster) {
		return
	}
	s.finishReset()
}

func (s *Session) finishReset() {
	data, err := wire.Encode(wire.Message{Type: wire.TypeResumeSession})
	if err != nil {
		log.Printf("[ERROR] session: encode ResumeSession: %v", err)
		return
	}
	for id, slot := range s.roster {
		if id == s.localPlayerID || !slot.hasPeer {
			continue
		}
		if err := s.cfg.Transport.Send(slot.peer, transport.ChannelControl, data, true); err != nil {
			log.Printf("[ERROR] session: send ResumeSession to player %d: %v", id, err)
		}
	}

	if err := s.createEngine(); err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", err.Error())
		s.beginClose(err)
		return
	}
	s.state = StateRunning
	s.cfg.Host.DisplayLoadingScreen("", 100)

	for id, slot := range s.roster {
		if slot.firstResetDone {
			continue
		}
		slot.firstResetDone = true
		if id == s.localPlayerID {
			continue
		}
		pj, err := wire.Encode(wire.Message{Type: wire.TypePlayerJoined, PlayerJoined: wire.PlayerJoined{PlayerID: id}})
		if err != nil {
			continue
		}
		for otherID, other := range s.roster {
			if otherID == s.localPlayerID || !other.hasPeer {
				continue
			}
			_ = s.cfg.Transport.Send(other.peer, transport.ChannelControl, pj, true)
		}
	}
}

func (s *Session) handleResumeSession() {
	if s.role != RoleJoiner || s.state != StateResetting {
		return
	}
	if err := s.createEngine(); err != nil {
		s.cfg.Host.ReportErrorAsync("Netplay", err.Error())
		s.beginClose(err)
		return
	}
	s.state = StateRunning
	s.cfg.Host.DisplayLoadingScreen("", 100)
}

// dropPlayer implements §4.2's Drop semantics (host side).
func (s *Session) dropPlayer(id int16, reason wire.DropReason) {
	slot, ok := s.roster[id]
	if !ok {
		return
	}
	delete(s.roster, id)
	delete(s.resetPlayers, id)
	s.numPlayers--

	data, err := wire.Encode(wire.Message{Type: wire.TypeDropPlayer, DropPlayer: wire.DropPlayer{Reason: reason, PlayerID: id}})
	if err == nil {
		for otherID, other := range s.roster {
			if otherID == s.localPlayerID || !other.hasPeer {
				continue
			}
			_ = s.cfg.Transport.Send(other.peer, transport.ChannelControl, data, true)
		}
	}

	if slot.hasPeer {
		_ = s.cfg.Transport.Disconnect(slot.peer, false)
	}

	s.beginReset()
}

func (s *Session) handleDropPlayer(dp wire.DropPlayer) {
	if s.role != RoleHost {
		delete(s.roster, dp.PlayerID)
		if dp.PlayerID == 0 {
			s.cfg.Host.ReportErrorAsync("Netplay", "host dropped the session")
			s.beginClose(errLostHost)
		} else {
			s.cfg.Host.OnNetplayMessage(fmt.Sprintf("player %d disconnected", dp.PlayerID))
		}
	}
}

func (s *Session) handleResetRequest(rr wire.ResetRequest) {
	if s.role != RoleHost {
		return
	}
	s.dropPlayer(rr.CausingPlayerID, wire.DropConnectionLost)
}

func (s *Session) handleCloseSession(cs wire.CloseSession) {
	s.cfg.Host.OnNetplayMessage("session closed by peer")
	s.beginClose(fmt.Errorf("session: closed by peer (reason %v)", cs.Reason))
}

func (s *Session) handleChatMessage(peer transport.PeerHandle, cm wire.ChatMessage) {
	nickname := "?"
	if slot := s.findSlotByPeer(peer); slot != nil {
		nickname = slot.nickname
	}
	s.cfg.Host.OnNetplayMessage(fmt.Sprintf("%s: %s", nickname, cm.Text))
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
