// Package wire implements the CONTROL-channel typed messages described
// in §6. Every message begins with a 4-byte header {u16 type, u16
// size}; size is the complete message length including the header and
// any trailing payload. The layout in §6's table is ground truth —
// see spec.md DESIGN NOTES item 2.
package wire

import (
	"fmt"

	"github.com/kestrelnet/netplay/internal/binario"
)

// MaxPlayers bounds the PlayerEntry array carried by Reset. Kept in
// sync with rollback.MaxPlayers.
const MaxPlayers = 2

// NicknameSize is the fixed width of a NUL-padded nickname field.
const NicknameSize = 128

// HeaderSize is the size of the {type, size} header every message
// begins with.
const HeaderSize = 4

// Type identifies a control message's wire format.
type Type uint16

const (
	TypeConnectRequest Type = iota + 1
	TypeConnectResponse
	TypeReset
	TypeResetComplete
	TypeResumeSession
	TypePlayerJoined
	TypeDropPlayer
	TypeResetRequest
	TypeCloseSession
	TypeChatMessage
)

func (t Type) String() string {
	switch t {
	case TypeConnectRequest:
		return "ConnectRequest"
	case TypeConnectResponse:
		return "ConnectResponse"
	case TypeReset:
		return "Reset"
	case TypeResetComplete:
		return "ResetComplete"
	case TypeResumeSession:
		return "ResumeSession"
	case TypePlayerJoined:
		return "PlayerJoined"
	case TypeDropPlayer:
		return "DropPlayer"
	case TypeResetRequest:
		return "ResetRequest"
	case TypeCloseSession:
		return "CloseSession"
	case TypeChatMessage:
		return "ChatMessage"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// Mode is ConnectRequest's requested session mode.
type Mode uint8

const (
	ModePlayer Mode = iota
	ModeSpectator
)

// ConnectResult is ConnectResponse's result code.
type ConnectResult uint8

const (
	ResultSuccess ConnectResult = iota
	ResultServerFull
	ResultPlayerIDInUse
	ResultSessionClosed
	ResultWrongPassword
)

func (r ConnectResult) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultServerFull:
		return "ServerFull"
	case ResultPlayerIDInUse:
		return "PlayerIDInUse"
	case ResultSessionClosed:
		return "SessionClosed"
	case ResultWrongPassword:
		return "WrongPassword"
	default:
		return "Unknown"
	}
}

// DropReason is DropPlayer's reason code.
type DropReason uint8

const (
	DropConnectionLost DropReason = iota
	DropKicked
	DropDesyncTooSevere
)

// ResetReason is ResetRequest's reason code.
type ResetReason uint8

const (
	ResetReasonConnectionLost ResetReason = iota
	ResetReasonManual
)

// CloseReason is CloseSession's reason code.
type CloseReason uint8

const (
	CloseHostShutdown CloseReason = iota
	CloseTerminated
	CloseError
)

// ConnectRequest is sent J→H to request admission.
type ConnectRequest struct {
	Mode              Mode
	RequestedPlayerID int16
	Nickname          string
	SessionPassword   string
}

// ConnectResponse is sent H→J in reply to ConnectRequest.
type ConnectResponse struct {
	Result   ConnectResult
	PlayerID int16
}

// PlayerEntry is one roster slot within a Reset message.
type PlayerEntry struct {
	ControllerPort int16 // -1 if the slot is empty
	Nickname       string
	Host           uint32 // peer address, as a packed IPv4, 0 if empty
	Port           uint16
}

// Reset is broadcast H→peers to initiate a resync (§4.2).
type Reset struct {
	Cookie     uint32
	NumPlayers uint16
	Players    [MaxPlayers]PlayerEntry
	StateData  []byte // compressed machine snapshot
}

// ResetComplete is sent J→H once a joiner has reconnected to every
// required peer after a Reset.
type ResetComplete struct {
	Cookie uint32
}

// ResumeSession is broadcast H→peers once every peer has acknowledged
// the current Reset.
type ResumeSession struct{}

// PlayerJoined is broadcast H→peers once a newly admitted player has
// completed its first resync (see DESIGN.md, Open Question (a)).
type PlayerJoined struct {
	PlayerID int16
}

// DropPlayer is broadcast H→peers when the host drops a player.
type DropPlayer struct {
	Reason   DropReason
	PlayerID int16
}

// ResetRequest is sent J→H to ask the host to initiate a fresh Reset,
// typically because the sender lost a non-host peer.
type ResetRequest struct {
	Reason          ResetReason
	CausingPlayerID int16
}

// CloseSession may be sent by any peer to terminate the session.
type CloseSession struct {
	Reason CloseReason
}

// ChatMessage carries a UTF-8 chat payload from any peer to all peers.
type ChatMessage struct {
	Text string
}

// fixedBodySize returns the smallest legal total message size
// (header + fixed portion) for t, used to reject undersized packets
// per §3's invariant.
func fixedBodySize(t Type) int {
	switch t {
	case TypeConnectRequest:
		return HeaderSize + 1 + 2 + NicknameSize + NicknameSize
	case TypeConnectResponse:
		return HeaderSize + 1 + 2
	case TypeReset:
		return HeaderSize + 4 + 4 + 2 + MaxPlayers*(2+NicknameSize+4+2)
	case TypeResetComplete:
		return HeaderSize + 4
	case TypeResumeSession:
		return HeaderSize
	case TypePlayerJoined:
		return HeaderSize + 2
	case TypeDropPlayer:
		return HeaderSize + 1 + 2
	case TypeResetRequest:
		return HeaderSize + 1 + 2
	case TypeCloseSession:
		return HeaderSize + 1
	case TypeChatMessage:
		return HeaderSize
	default:
		return HeaderSize
	}
}

// peekHeader decodes just the {type, size} header, without validating
// the body.
func peekHeader(b []byte) (Type, int, error) {
	if len(b) < HeaderSize {
		return 0, 0, fmt.Errorf("wire: packet shorter than header (%d bytes)", len(b))
	}
	r := binario.NewReader(b)
	typ := Type(r.ReadUint16())
	size := int(r.ReadUint16())
	return typ, size, nil
}

// validate applies §3's invariant: "a receiver must reject a packet
// whose declared size is smaller than the fixed portion of its typed
// message."
func validate(typ Type, declaredSize, actualLen int) error {
	min := fixedBodySize(typ)
	if declaredSize < min {
		return fmt.Errorf("wire: %s declares size %d, smaller than fixed portion %d", typ, declaredSize, min)
	}
	if declaredSize > actualLen {
		return fmt.Errorf("wire: %s declares size %d, exceeds received %d bytes", typ, declaredSize, actualLen)
	}
	return nil
}
