package session

import (
	"bytes"
	"fmt"
	"log"

	"github.com/kestrelnet/netplay/input"
	"github.com/kestrelnet/netplay/machine"
	"github.com/kestrelnet/netplay/rollback"
	"github.com/kestrelnet/netplay/transport"
	"github.com/kestrelnet/netplay/wire"
)

// rollbackCallbacks builds the Callbacks quintuple the Rollback Engine
// needs, binding it to this Session's Machine, free-list, and Host
// (§4.3), mirroring the teacher's netplay/game.go save/load/advance
// wiring generalized to an arbitrary player count.
func (s *Session) rollbackCallbacks() rollback.Callbacks {
	return rollback.Callbacks{
		SaveFrame:    s.saveFrame,
		LoadFrame:    s.loadFrame,
		AdvanceFrame: s.advanceFrame,
		FreeBuffer:   s.freeBuffer,
		OnEvent:      s.onRollbackEvent,
	}
}

func (s *Session) saveFrame(frame int) ([]byte, uint32, error) {
	var buf []byte
	if n := len(s.freeList); n > 0 {
		buf = s.freeList[n-1][:0]
		s.freeList = s.freeList[:n-1]
	}

	bb := bytes.NewBuffer(buf)
	if err := s.cfg.Machine.SaveSnapshot(bb); err != nil {
		return nil, 0, fmt.Errorf("session: save frame %d: %w", frame, err)
	}

	out := bb.Bytes()
	numGroups := uint32(len(out) / machine.ChecksumWindowSize)
	checksum := machine.Checksum(out, uint32(frame), numGroups)

	return out, checksum, nil
}

func (s *Session) loadFrame(buf []byte, frame int) error {
	if err := s.cfg.Machine.RestoreSnapshot(bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("session: load frame %d: %w", frame, err)
	}
	return nil
}

func (s *Session) advanceFrame(frame int, inputs []input.Bitfield, disconnectFlags uint32, replaying bool) error {
	if replaying && !s.muted {
		s.cfg.Host.Mute(true)
		s.muted = true
	} else if !replaying && s.muted {
		s.cfg.Host.Mute(false)
		s.muted = false
	}

	for playerNumber, value := range inputs {
		if disconnectFlags&(1<<uint(playerNumber)) != 0 {
			continue
		}
		s.cfg.ApplyInput(playerNumber, value)
	}

	s.cfg.Machine.RunFrame()
	return nil
}

func (s *Session) freeBuffer(buf []byte, frame int) {
	s.freeList = append(s.freeList, buf)
}

// onRollbackEvent dispatches a Rollback Engine event to the Host and,
// for EventTimeSync, to the Frame Pacer, per §4.3/§4.5.
func (s *Session) onRollbackEvent(ev rollback.Event) {
	switch ev.Kind {
	case rollback.EventConnectedToPeer:
		s.cfg.Host.OnNetplayMessage(fmt.Sprintf("connected to player %d", ev.Player))

	case rollback.EventSynchronizingWithPeer:
		s.cfg.Host.DisplayLoadingScreen(fmt.Sprintf("synchronizing with player %d", ev.Player), progressPercent(ev.Cur, ev.Total))

	case rollback.EventSynchronizedWithPeer:
		s.cfg.Host.OnNetplayMessage(fmt.Sprintf("synchronized with player %d", ev.Player))

	case rollback.EventRunning:
		s.cfg.Host.DisplayLoadingScreen("", 100)

	case rollback.EventTimeSync:
		if s.pacer != nil {
			s.pacer.OnTimeSync(float64(ev.FramesAhead), ev.PeriodInFrames, s.engine.GetCurrentFrame())
		}

	case rollback.EventDesync:
		log.Printf("[ERROR] session: desync at frame %d (ours=%#x remote=%#x, player %d)",
			ev.FrameOfDesync, ev.OurChecksum, ev.RemoteChecksum, ev.DesyncPlayerRemoteOf)
		s.cfg.Host.OnNetplayMessage(fmt.Sprintf("desync detected at frame %d", ev.FrameOfDesync))

	case rollback.EventDisconnectedFromPeer:
		s.onRollbackPlayerDisconnected(ev.Player)
	}
}

func progressPercent(cur, total int) int {
	if total <= 0 {
		return -1
	}
	return cur * 100 / total
}

// onRollbackPlayerDisconnected applies onPeerDisconnected's policy to
// EventDisconnectedFromPeer, which the Rollback Engine raises when
// onPeerDisconnected marks a player disconnected via SetDisconnected.
func (s *Session) onRollbackPlayerDisconnected(playerNumber int) {
	id := int16(playerNumber)
	slot, ok := s.roster[id]
	if !ok {
		return
	}

	if s.role == RoleHost {
		s.dropPlayer(id, wire.DropConnectionLost)
		return
	}

	if id == 0 {
		s.cfg.Host.ReportErrorAsync("Netplay", "lost connection to host")
		s.beginClose(errLostHost)
		return
	}

	if !slot.hasPeer {
		return
	}
	data, err := wire.Encode(wire.Message{
		Type:         wire.TypeResetRequest,
		ResetRequest: wire.ResetRequest{Reason: wire.ResetReasonConnectionLost, CausingPlayerID: id},
	})
	if err != nil {
		log.Printf("[ERROR] session: encode ResetRequest: %v", err)
		return
	}
	_ = s.cfg.Transport.Send(s.hostPeer, transport.ChannelControl, data, true)
}
