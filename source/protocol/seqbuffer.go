package protocol

// sequenceBuffer is a fixed-capacity ring indexed by sequence mod capacity.
// Each slot records the sequence it was filled for, so entries left over
// from a previous trip around the sequence space read as vacant.
type sequenceBuffer struct {
	sequences []uint16
	occupied  []bool
	values    [][]byte
	sequence  uint16
	size      int
}

func newSequenceBuffer(size int) *sequenceBuffer {
	return &sequenceBuffer{
		sequences: make([]uint16, size),
		occupied:  make([]bool, size),
		values:    make([][]byte, size),
		size:      size,
	}
}

// Insert records sequence, advancing the buffer and vacating every slot the
// advance skips over. A gap of at least the capacity vacates everything.
func (b *sequenceBuffer) Insert(sequence uint16, value []byte) {
	if SequenceGreaterThan(sequence, b.sequence) {
		diff := SequenceDiff(sequence, b.sequence)
		if diff < b.size {
			for i := 0; i < diff; i++ {
				b.sequence++
				idx := int(b.sequence) % b.size
				b.occupied[idx] = false
				b.values[idx] = nil
			}
		} else {
			for i := range b.occupied {
				b.occupied[i] = false
				b.values[i] = nil
			}
			b.sequence = sequence
		}
	}

	idx := int(sequence) % b.size
	b.sequences[idx] = sequence
	b.occupied[idx] = true
	b.values[idx] = value
}

// Exists reports whether sequence itself occupies its slot. A slot held by
// a different sequence from a prior epoch does not count.
func (b *sequenceBuffer) Exists(sequence uint16) bool {
	idx := int(sequence) % b.size
	return b.occupied[idx] && b.sequences[idx] == sequence
}

func (b *sequenceBuffer) Get(sequence uint16) ([]byte, bool) {
	idx := int(sequence) % b.size
	if !b.occupied[idx] || b.sequences[idx] != sequence {
		return nil, false
	}
	return b.values[idx], true
}

func (b *sequenceBuffer) Reset() {
	for i := range b.occupied {
		b.occupied[i] = false
		b.values[i] = nil
	}
	b.sequence = 0
}
