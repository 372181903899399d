// Package input describes the Input Provider collaborator (controller
// sampling) and the fixed-size Input bitfield exchanged over the
// network, per §1 and §4.4.
package input

// MaxBindings bounds the number of controller bindings sampled into a
// single Bitfield. 32 covers any reasonable digital-pad layout with
// room to spare; the wire format is a single uint32 per frame per peer.
const MaxBindings = 32

// Bitfield is an immutable snapshot of controller buttons for one peer
// for one frame.
type Bitfield uint32

// Bit reports whether binding i is held.
func (b Bitfield) Bit(i int) bool {
	return b&(1<<uint(i)) != 0
}

// Provider is the per-slot, per-binding floating point input source
// described in §1. Slot 0 is the only slot sampled by the current
// design (§4.4: "Only a single controller slot is supported").
type Provider interface {
	Value(slot, binding int) float64
}

// threshold is the §4.4 rule: a binding reads as pressed once its
// analog value reaches at least this fraction of full deflection.
const threshold = 0.25

// Sample reads slot 0 of p and packs it into a Bitfield using the
// exact rule from §4.4: bit_i = 1 iff input_value[slot=0][binding=i]
// >= 0.25.
func Sample(p Provider) Bitfield {
	var out Bitfield

	for i := 0; i < MaxBindings; i++ {
		if p.Value(0, i) >= threshold {
			out |= 1 << uint(i)
		}
	}

	return out
}
