// Package faketransport provides an in-memory transport.Transport
// pair for tests, standing in for a real UDP link between two
// processes. It mirrors the channel-based plumbing the teacher's
// netplay.Netplay used for its TCP connection (toSend/toRecv
// channels), generalized to transport.Transport's two-channel,
// multi-peer contract.
package faketransport

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelnet/netplay/transport"
)

// link connects two endpoints created by NewPair. Sends to peer 1
// from endpoint A arrive on endpoint B, and vice versa.
type link struct {
	mu      sync.Mutex
	a, b    *Transport
	dropped bool // when true, GAMEPLAY traffic is silently dropped (simulates packet loss)
}

// Transport is one side of an in-memory peer pair.
type Transport struct {
	name string
	lk   *link
	self transport.PeerHandle

	mu       sync.Mutex
	events   []transport.Event
	peerOf   map[transport.PeerHandle]*Transport
	nextPeer transport.PeerHandle
	closed   bool
}

// NewPair returns two endpoints already connected to each other under
// peer handle 1. Both sides observe an EventConnected on first Poll.
func NewPair() (a, b *Transport) {
	lk := &link{}
	a = &Transport{name: "a", lk: lk, peerOf: map[transport.PeerHandle]*Transport{}}
	b = &Transport{name: "b", lk: lk, peerOf: map[transport.PeerHandle]*Transport{}}
	lk.a, lk.b = a, b

	a.nextPeer = 1
	b.nextPeer = 1
	a.peerOf[1] = b
	b.peerOf[1] = a
	a.pushEvent(transport.Event{Kind: transport.EventConnected, Peer: 1})
	b.pushEvent(transport.Event{Kind: transport.EventConnected, Peer: 1})

	return a, b
}

// SetPacketLoss drops every subsequent GAMEPLAY send across the pair
// when lost is true, letting tests exercise the rollback engine's
// prediction path under loss.
func (t *Transport) SetPacketLoss(lost bool) {
	t.lk.mu.Lock()
	t.lk.dropped = lost
	t.lk.mu.Unlock()
}

func (t *Transport) Start(localPort int, maxPeers int) error {
	return nil
}

func (t *Transport) Dial(address string) (transport.PeerHandle, error) {
	return 0, fmt.Errorf("faketransport: Dial is unsupported; use NewPair")
}

func (t *Transport) Send(peer transport.PeerHandle, ch transport.Channel, data []byte, reliable bool) error {
	if (ch == transport.ChannelControl) != reliable {
		panic(fmt.Sprintf("faketransport: reliable=%v inconsistent with channel %v", reliable, ch))
	}

	t.mu.Lock()
	dst, ok := t.peerOf[peer]
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("faketransport: %s is closed", t.name)
	}
	if !ok {
		return fmt.Errorf("faketransport: unknown peer %d", peer)
	}

	if ch == transport.ChannelGameplay {
		t.lk.mu.Lock()
		drop := t.lk.dropped
		t.lk.mu.Unlock()
		if drop {
			return nil
		}
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	dst.pushEvent(transport.Event{Kind: transport.EventReceived, Peer: 1, Channel: ch, Data: cp})

	return nil
}

func (t *Transport) Broadcast(ch transport.Channel, data []byte) error {
	t.mu.Lock()
	peers := make([]transport.PeerHandle, 0, len(t.peerOf))
	for p := range t.peerOf {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		if err := t.Send(p, ch, data, ch == transport.ChannelControl); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Poll(deadline time.Time) (transport.Event, error) {
	for {
		t.mu.Lock()
		if len(t.events) > 0 {
			ev := t.events[0]
			t.events = t.events[1:]
			t.mu.Unlock()
			return ev, nil
		}
		t.mu.Unlock()

		if !time.Now().Before(deadline) {
			return transport.Event{}, transport.ErrPollTimeout
		}

		time.Sleep(time.Millisecond)
	}
}

func (t *Transport) Disconnect(peer transport.PeerHandle, graceful bool) error {
	t.mu.Lock()
	dst, ok := t.peerOf[peer]
	delete(t.peerOf, peer)
	t.mu.Unlock()

	if ok {
		dst.pushEvent(transport.Event{Kind: transport.EventDisconnected, Peer: 1})
	}
	return nil
}

func (t *Transport) Reset(peer transport.PeerHandle) error {
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) pushEvent(ev transport.Event) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}
