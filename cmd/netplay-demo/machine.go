package main

import (
	"encoding/binary"
	"fmt"
	"io"
)

// demoMachine is a tiny deterministic stand-in for the emulated
// console machine.Machine abstracts over (§1: "the emulated console
// ... is an opaque collaborator"). It folds each frame's two-player
// input into a running accumulator and prints it, which is enough to
// observe rollback/resync behavior end to end from the command line
// without pulling in a real CPU/PPU/cartridge-mapper implementation.
type demoMachine struct {
	buttons [2]func() uint8
	frame   uint32
	acc     uint64
	onFrame func(frame uint32, acc uint64)
}

func newDemoMachine() *demoMachine {
	return &demoMachine{}
}

func (m *demoMachine) RunFrame() {
	var b0, b1 uint8
	if m.buttons[0] != nil {
		b0 = m.buttons[0]()
	}
	if m.buttons[1] != nil {
		b1 = m.buttons[1]()
	}

	m.frame++
	m.acc = m.acc*1103515245 + uint64(b0) + uint64(b1)<<8 + 12345

	if m.onFrame != nil {
		m.onFrame(m.frame, m.acc)
	}
}

func (m *demoMachine) SaveSnapshot(w io.Writer) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.frame)
	binary.LittleEndian.PutUint64(buf[4:12], m.acc)
	_, err := w.Write(buf[:])
	return err
}

func (m *demoMachine) RestoreSnapshot(r io.Reader) error {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("demoMachine: restore snapshot: %w", err)
	}
	m.frame = binary.LittleEndian.Uint32(buf[0:4])
	m.acc = binary.LittleEndian.Uint64(buf[4:12])
	return nil
}

func (m *demoMachine) BootFromDisc(_ io.Reader) error {
	m.frame, m.acc = 0, 0
	return nil
}

// setButtons lets the session's ApplyInput callback push the resolved
// per-player bitfield in just before RunFrame, mirroring the teacher's
// LocalJoy/RemoteJoy.SetButtons seam (netplay/game.go) generalized to
// an arbitrary player slot.
func (m *demoMachine) setButtons(playerNumber int, value uint8) {
	if playerNumber < 0 || playerNumber >= len(m.buttons) {
		return
	}
	v := value
	m.buttons[playerNumber] = func() uint8 { return v }
}
