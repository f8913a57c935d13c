package bitsequence

// BitSequence represents a sequence of bits stored in a []byte.
// The bits are packed in LSB-first order within each byte (i.e. bit 0 is stored in the least significant bit).
type BitSequence struct {
	buf    []byte // underlying byte slice
	bitLen int    // number of bits stored in the sequence
}

// New creates a zeroed BitSequence of bitLen bits.
func New(bitLen int) *BitSequence {
	return &BitSequence{
		buf:    make([]byte, (bitLen+7)/8),
		bitLen: bitLen,
	}
}

// BitAt returns the bit at position i (0-indexed).
// It panics if i is out of range.
func (bs *BitSequence) BitAt(i int) bool {
	byteIndex := i >> 3
	bitPos := i & 7
	return (bs.buf[byteIndex] & (1 << uint(bitPos))) != 0
}

// Set sets the bit at position i.
func (bs *BitSequence) Set(i int) {
	bs.buf[i>>3] |= 1 << uint(i&7)
}

// SetRange sets bits [start, start+n), clamped to the sequence length.
func (bs *BitSequence) SetRange(start, n int) {
	end := min(start+n, bs.bitLen)
	for i := max(start, 0); i < end; i++ {
		bs.Set(i)
	}
}

// AnyInRange reports whether any bit in [start, start+n) is set. Bits outside
// the sequence read as zero.
func (bs *BitSequence) AnyInRange(start, n int) bool {
	end := min(start+n, bs.bitLen)
	i := max(start, 0)
	// whole bytes at a time once aligned
	for i < end {
		if i&7 == 0 && i+8 <= end {
			if bs.buf[i>>3] != 0 {
				return true
			}
			i += 8
			continue
		}
		if bs.BitAt(i) {
			return true
		}
		i++
	}
	return false
}

// Len returns the total number of bits in the sequence.
func (bs *BitSequence) Len() int {
	return bs.bitLen
}

// Bytes returns the packed representation.
func (bs *BitSequence) Bytes() []byte {
	return bs.buf
}
