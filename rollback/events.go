package rollback

// EventKind classifies an Event raised via Callbacks.OnEvent (§4.3).
type EventKind int

const (
	EventConnectedToPeer EventKind = iota
	EventSynchronizingWithPeer
	EventSynchronizedWithPeer
	EventRunning
	EventTimeSync
	EventDesync
	EventDisconnectedFromPeer
)

// Event is the union of every event the engine can raise. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Player int // ConnectedToPeer, SynchronizingWithPeer, SynchronizedWithPeer, DisconnectedFromPeer

	Cur, Total int // SynchronizingWithPeer

	FramesAhead    int // TimeSync
	PeriodInFrames int // TimeSync

	FrameOfDesync         int    // Desync
	OurChecksum           uint32 // Desync
	RemoteChecksum        uint32 // Desync
	DesyncPlayerRemoteOf  int    // Desync: which remote player's checksum disagreed with ours
}
