package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kestrelnet/netplay/internal/binario"
)

// Message is the decoded union of every control message type, tagged
// by Type. Exactly one of the typed fields is populated, matching
// whichever Type the packet declared.
type Message struct {
	Type Type

	ConnectRequest  ConnectRequest
	ConnectResponse ConnectResponse
	Reset           Reset
	ResetComplete   ResetComplete
	ResumeSession   ResumeSession
	PlayerJoined    PlayerJoined
	DropPlayer      DropPlayer
	ResetRequest    ResetRequest
	CloseSession    CloseSession
	ChatMessage     ChatMessage
}

func writeHeader(w *binario.Writer, typ Type, size int) {
	w.WriteUint16(uint16(typ))
	w.WriteUint16(uint16(size))
}

// Encode serializes m into a single length-prefixed CONTROL packet.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer

	switch m.Type {
	case TypeConnectRequest:
		body := m.ConnectRequest
		size := fixedBodySize(m.Type)
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, size)
		w.WriteUint8(uint8(body.Mode))
		w.WriteInt16(body.RequestedPlayerID)
		w.WritePadded([]byte(body.Nickname), NicknameSize)
		w.WritePadded([]byte(body.SessionPassword), NicknameSize)
		return buf.Bytes(), w.Err()

	case TypeConnectResponse:
		body := m.ConnectResponse
		size := fixedBodySize(m.Type)
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, size)
		w.WriteUint8(uint8(body.Result))
		w.WriteInt16(body.PlayerID)
		return buf.Bytes(), w.Err()

	case TypeReset:
		body := m.Reset
		size := fixedBodySize(m.Type) + len(body.StateData)
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, size)
		w.WriteUint32(body.Cookie)
		w.WriteUint32(uint32(len(body.StateData)))
		w.WriteUint16(body.NumPlayers)
		for i := 0; i < MaxPlayers; i++ {
			p := body.Players[i]
			w.WriteInt16(p.ControllerPort)
			w.WritePadded([]byte(p.Nickname), NicknameSize)
			w.WriteUint32(p.Host)
			w.WriteUint16(p.Port)
		}
		w.WriteBytes(body.StateData)
		return buf.Bytes(), w.Err()

	case TypeResetComplete:
		body := m.ResetComplete
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		w.WriteUint32(body.Cookie)
		return buf.Bytes(), w.Err()

	case TypeResumeSession:
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		return buf.Bytes(), w.Err()

	case TypePlayerJoined:
		body := m.PlayerJoined
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		w.WriteInt16(body.PlayerID)
		return buf.Bytes(), w.Err()

	case TypeDropPlayer:
		body := m.DropPlayer
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		w.WriteUint8(uint8(body.Reason))
		w.WriteInt16(body.PlayerID)
		return buf.Bytes(), w.Err()

	case TypeResetRequest:
		body := m.ResetRequest
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		w.WriteUint8(uint8(body.Reason))
		w.WriteInt16(body.CausingPlayerID)
		return buf.Bytes(), w.Err()

	case TypeCloseSession:
		body := m.CloseSession
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, fixedBodySize(m.Type))
		w.WriteUint8(uint8(body.Reason))
		return buf.Bytes(), w.Err()

	case TypeChatMessage:
		body := m.ChatMessage
		size := fixedBodySize(m.Type) + len(body.Text)
		w := binario.NewWriter(&buf)
		writeHeader(w, m.Type, size)
		w.WriteBytes([]byte(body.Text))
		return buf.Bytes(), w.Err()

	default:
		return nil, fmt.Errorf("wire: encode: unknown type %v", m.Type)
	}
}

// Decode parses a single CONTROL packet, enforcing §3's
// minimum-declared-size invariant before touching the body. On
// failure the returned Message still carries the Type the header
// declared (the zero Type if even the header itself couldn't be
// read), so a caller can tell a malformed Reset apart from any other
// malformed packet without re-parsing.
func Decode(b []byte) (Message, error) {
	typ, size, err := peekHeader(b)
	if err != nil {
		return Message{}, err
	}

	if err := validate(typ, size, len(b)); err != nil {
		return Message{Type: typ}, err
	}

	body := b[HeaderSize:size]
	r := binario.NewReader(body)

	var m Message
	m.Type = typ

	switch typ {
	case TypeConnectRequest:
		m.ConnectRequest.Mode = Mode(r.ReadUint8())
		m.ConnectRequest.RequestedPlayerID = r.ReadInt16()
		m.ConnectRequest.Nickname = string(r.ReadFixed(NicknameSize))
		m.ConnectRequest.SessionPassword = string(r.ReadFixed(NicknameSize))

	case TypeConnectResponse:
		m.ConnectResponse.Result = ConnectResult(r.ReadUint8())
		m.ConnectResponse.PlayerID = r.ReadInt16()

	case TypeReset:
		m.Reset.Cookie = r.ReadUint32()
		stateSize := r.ReadUint32()
		m.Reset.NumPlayers = r.ReadUint16()
		for i := 0; i < MaxPlayers; i++ {
			var p PlayerEntry
			p.ControllerPort = r.ReadInt16()
			p.Nickname = string(r.ReadFixed(NicknameSize))
			p.Host = r.ReadUint32()
			p.Port = r.ReadUint16()
			m.Reset.Players[i] = p
		}
		if r.Err() != nil {
			return Message{Type: typ}, fmt.Errorf("wire: decode Reset roster: %w", r.Err())
		}
		if int(stateSize) > r.Remaining() {
			return Message{Type: typ}, fmt.Errorf("wire: Reset declares state_data_size %d, only %d bytes remain", stateSize, r.Remaining())
		}
		// Snapshot bytes are opaque: take exactly stateSize of them,
		// not ReadFixed's NUL-trimmed string form.
		off := len(body) - r.Remaining()
		m.Reset.StateData = append([]byte(nil), body[off:off+int(stateSize)]...)

	case TypeResetComplete:
		m.ResetComplete.Cookie = r.ReadUint32()

	case TypeResumeSession:
		// no body

	case TypePlayerJoined:
		m.PlayerJoined.PlayerID = r.ReadInt16()

	case TypeDropPlayer:
		m.DropPlayer.Reason = DropReason(r.ReadUint8())
		m.DropPlayer.PlayerID = r.ReadInt16()

	case TypeResetRequest:
		m.ResetRequest.Reason = ResetReason(r.ReadUint8())
		m.ResetRequest.CausingPlayerID = r.ReadInt16()

	case TypeCloseSession:
		m.CloseSession.Reason = CloseReason(r.ReadUint8())

	case TypeChatMessage:
		m.ChatMessage.Text = string(r.ReadRest())

	default:
		return Message{Type: typ}, fmt.Errorf("wire: decode: unknown type %v", typ)
	}

	if r.Err() != nil {
		return Message{Type: typ}, fmt.Errorf("wire: decode %s: %w", typ, r.Err())
	}

	return m, nil
}

// PackAddr packs an IPv4 address into the Host/Port fields used by
// PlayerEntry.
func PackAddr(addr *net.UDPAddr) (host uint32, port uint16) {
	if addr == nil {
		return 0, 0
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return 0, uint16(addr.Port)
	}
	return binary.BigEndian.Uint32(ip4), uint16(addr.Port)
}

// UnpackAddr is the inverse of PackAddr.
func UnpackAddr(host uint32, port uint16) *net.UDPAddr {
	if host == 0 && port == 0 {
		return nil
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, host)
	return &net.UDPAddr{IP: ip, Port: int(port)}
}
