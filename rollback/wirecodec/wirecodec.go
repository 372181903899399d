// Package wirecodec implements the GAMEPLAY channel's opaque byte
// stream (§6: "defined by the rollback wire library; the
// implementation need only forward bytes to/from
// Rollback.handle_packet"). It generalizes the teacher's
// {StartFrame, Input} batching (netplay.InputBatch /
// netplay.Message in netplay/netplay.go) from one fixed remote
// player to an arbitrary player number, and adds the synchronization
// handshake packets the engine needs before it can trust a peer's
// clock.
package wirecodec

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/netplay/input"
)

type Kind uint8

const (
	KindSyncRequest Kind = iota + 1
	KindSyncReply
	KindInputBatch
	KindInputAck
)

// SyncRequest/SyncReply are exchanged before the engine trusts a
// peer's gameplay traffic, mirroring a minimal ping-pong handshake.
type SyncRequest struct {
	Nonce uint32
}

type SyncReply struct {
	Nonce uint32
}

// InputBatch carries a short run of consecutive frames of input for
// one player, batched to amortize packet overhead — the same
// motivation as the teacher's inputBatchSize constant in
// netplay/netplay.go.
type InputBatch struct {
	PlayerNumber uint8
	StartFrame   uint32
	Inputs       []input.Bitfield
}

// InputAck reports AckFrame, the most recent frame the sender has
// simulated, and Checksum, the sender's own state checksum for that
// frame (§7 desync detection), piggybacked here rather than in a
// separate message. The receiver only compares the checksum; it does
// not use AckFrame to trim the input it resends.
type InputAck struct {
	PlayerNumber uint8
	AckFrame     uint32
	Checksum     uint32
}

// Packet is the decoded union of every GAMEPLAY message kind.
type Packet struct {
	Kind Kind

	SyncRequest SyncRequest
	SyncReply   SyncReply
	InputBatch  InputBatch
	InputAck    InputAck
}

func EncodeSyncRequest(nonce uint32) []byte {
	b := make([]byte, 5)
	b[0] = byte(KindSyncRequest)
	binary.LittleEndian.PutUint32(b[1:], nonce)
	return b
}

func EncodeSyncReply(nonce uint32) []byte {
	b := make([]byte, 5)
	b[0] = byte(KindSyncReply)
	binary.LittleEndian.PutUint32(b[1:], nonce)
	return b
}

func EncodeInputBatch(batch InputBatch) []byte {
	b := make([]byte, 1+1+4+1+4*len(batch.Inputs))
	b[0] = byte(KindInputBatch)
	b[1] = batch.PlayerNumber
	binary.LittleEndian.PutUint32(b[2:6], batch.StartFrame)
	b[6] = uint8(len(batch.Inputs))
	off := 7
	for _, in := range batch.Inputs {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(in))
		off += 4
	}
	return b
}

func EncodeInputAck(ack InputAck) []byte {
	b := make([]byte, 1+1+4+4)
	b[0] = byte(KindInputAck)
	b[1] = ack.PlayerNumber
	binary.LittleEndian.PutUint32(b[2:6], ack.AckFrame)
	binary.LittleEndian.PutUint32(b[6:10], ack.Checksum)
	return b
}

// Decode parses a single GAMEPLAY packet. Malformed packets are
// reported as an error and should be dropped by the caller — the
// GAMEPLAY channel is unreliable and best-effort, so there is no
// rejection handshake as there is on CONTROL.
func Decode(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, fmt.Errorf("wirecodec: empty packet")
	}

	kind := Kind(b[0])
	var p Packet
	p.Kind = kind

	switch kind {
	case KindSyncRequest:
		if len(b) < 5 {
			return Packet{}, fmt.Errorf("wirecodec: short SyncRequest")
		}
		p.SyncRequest.Nonce = binary.LittleEndian.Uint32(b[1:5])

	case KindSyncReply:
		if len(b) < 5 {
			return Packet{}, fmt.Errorf("wirecodec: short SyncReply")
		}
		p.SyncReply.Nonce = binary.LittleEndian.Uint32(b[1:5])

	case KindInputBatch:
		if len(b) < 7 {
			return Packet{}, fmt.Errorf("wirecodec: short InputBatch header")
		}
		p.InputBatch.PlayerNumber = b[1]
		p.InputBatch.StartFrame = binary.LittleEndian.Uint32(b[2:6])
		count := int(b[6])
		if len(b) < 7+4*count {
			return Packet{}, fmt.Errorf("wirecodec: InputBatch declares %d inputs, packet too short", count)
		}
		inputs := make([]input.Bitfield, count)
		off := 7
		for i := 0; i < count; i++ {
			inputs[i] = input.Bitfield(binary.LittleEndian.Uint32(b[off : off+4]))
			off += 4
		}
		p.InputBatch.Inputs = inputs

	case KindInputAck:
		if len(b) < 10 {
			return Packet{}, fmt.Errorf("wirecodec: short InputAck")
		}
		p.InputAck.PlayerNumber = b[1]
		p.InputAck.AckFrame = binary.LittleEndian.Uint32(b[2:6])
		p.InputAck.Checksum = binary.LittleEndian.Uint32(b[6:10])

	default:
		return Packet{}, fmt.Errorf("wirecodec: unknown kind %d", kind)
	}

	return p, nil
}
