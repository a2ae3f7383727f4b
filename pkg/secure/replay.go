package secure

// windowSize is the number of sequence numbers tracked behind the highest
// accepted one.
const windowSize = 256

// replayWindow is a sliding bitmap of accepted sequence numbers. Bit i
// marks highest-i. It is not safe for concurrent use.
type replayWindow struct {
	highest uint64
	bits    [windowSize / 64]uint64
}

// check reports whether seq may be accepted. It does not record seq.
func (w *replayWindow) check(seq uint64) bool {
	if seq == 0 {
		return false
	}
	if seq > w.highest {
		return true
	}
	off := w.highest - seq
	if off >= windowSize {
		return false
	}
	return w.bits[off/64]&(1<<(off%64)) == 0
}

// commit records seq as accepted. Call only after check and
// authentication succeeded.
func (w *replayWindow) commit(seq uint64) {
	if seq > w.highest {
		w.shift(seq - w.highest)
		w.highest = seq
		w.bits[0] |= 1
		return
	}
	off := w.highest - seq
	if off < windowSize {
		w.bits[off/64] |= 1 << (off % 64)
	}
}

// shift moves every mark n positions further from highest.
func (w *replayWindow) shift(n uint64) {
	if n >= windowSize {
		w.bits = [windowSize / 64]uint64{}
		return
	}
	words, bits := int(n/64), n%64
	for i := len(w.bits) - 1; i >= 0; i-- {
		var v uint64
		if j := i - words; j >= 0 {
			v = w.bits[j] << bits
			if bits > 0 && j > 0 {
				v |= w.bits[j-1] >> (64 - bits)
			}
		}
		w.bits[i] = v
	}
}
