package rollback

import "github.com/kestrelnet/netplay/input"

// Callbacks is the save/load/advance/free/event callback quintuple the
// Session Runner must supply to Open, per §4.3.
type Callbacks struct {
	// SaveFrame serializes the Machine's current state for frame,
	// returning the buffer it was written into (typically popped
	// from a free-list pool — see §4.3 "Snapshot pool") and a
	// checksum covering it.
	SaveFrame func(frame int) (buf []byte, checksum uint32, err error)

	// LoadFrame restores the Machine to the state captured by a
	// prior SaveFrame(frame) call.
	LoadFrame func(buf []byte, frame int) error

	// AdvanceFrame runs the Machine forward exactly one frame using
	// inputs (one Bitfield per player, in player-number order) and
	// the given per-player disconnect bitmask. Called both for the
	// live frame (driven by the Session Runner's outer loop, with
	// replaying=false) and, internally by the engine, once per frame
	// while replaying a rollback (replaying=true) — the Session
	// Runner uses this flag to mute audio for the duration of a
	// replay, per §4.3. This replaces the original design's
	// out-of-band "ask the engine again" callback shape with direct
	// data passing, which fits Go's explicit-parameter idiom better
	// than a hidden re-entrant query — see DESIGN.md.
	AdvanceFrame func(frame int, inputs []input.Bitfield, disconnectFlags uint32, replaying bool) error

	// FreeBuffer returns a snapshot buffer to the free-list once the
	// engine no longer needs it (its frame has been evicted from the
	// ring, or a replay has replaced it with a fresh snapshot).
	FreeBuffer func(buf []byte, frame int)

	// OnEvent delivers one of the Event kinds described in §4.3.
	OnEvent func(Event)
}

func (c Callbacks) validate() error {
	if c.SaveFrame == nil || c.LoadFrame == nil || c.AdvanceFrame == nil || c.FreeBuffer == nil || c.OnEvent == nil {
		return errMissingCallback
	}
	return nil
}
