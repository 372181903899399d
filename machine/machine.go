// Package machine describes the emulated console as an opaque
// collaborator. The rollback engine and session runner only ever see a
// Machine through this interface — everything the real console does
// internally (CPU, PPU, cartridge mapper) is out of scope for this
// module.
package machine

import (
	"hash/crc32"
	"io"
)

// ChecksumWindowSize is the size of the window hashed by Checksum, per
// the desync-detection design in §4.3. Deliberately fixed rather than
// scaled to a Machine's reported memory size — see DESIGN.md, Open
// Question (d).
const ChecksumWindowSize = 16 * 1024

// Machine is the narrow surface the netplay session needs from the
// emulated console: advance one frame, and save/restore its complete
// state to/from an opaque byte buffer.
type Machine interface {
	// RunFrame advances the machine by exactly one frame, consuming
	// whatever per-frame input the caller has already applied.
	RunFrame()

	// SaveSnapshot serializes the complete machine state into w.
	SaveSnapshot(w io.Writer) error

	// RestoreSnapshot replaces the complete machine state with the
	// bytes read from r.
	RestoreSnapshot(r io.Reader) error

	// BootFromDisc loads a disc image and resets to power-on state.
	// Only used once, when a session is first created by the host.
	BootFromDisc(image io.Reader) error
}

// Checksum computes the desync-detection checksum described in §4.3: a
// CRC32 over a ChecksumWindowSize window of the machine's snapshot,
// starting at (frame mod numGroups) * ChecksumWindowSize, seeded with
// the frame number so that an all-zero window at frame 0 still differs
// from an all-zero window at frame 1.
func Checksum(snapshot []byte, frame uint32, numGroups uint32) uint32 {
	if numGroups == 0 {
		numGroups = 1
	}

	start := int(frame%numGroups) * ChecksumWindowSize
	end := start + ChecksumWindowSize

	if start >= len(snapshot) {
		start, end = 0, 0
	} else if end > len(snapshot) {
		end = len(snapshot)
	}

	h := crc32.NewIEEE()
	var seed [4]byte
	seed[0] = byte(frame)
	seed[1] = byte(frame >> 8)
	seed[2] = byte(frame >> 16)
	seed[3] = byte(frame >> 24)
	_, _ = h.Write(seed[:])
	_, _ = h.Write(snapshot[start:end])

	return h.Sum32()
}
