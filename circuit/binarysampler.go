package circuit

// binarySampler records the outcome of the last N requests, one bit per
// request, in a ring. count is the number of the set bits, e.g. the
// failures within the window.
type binarySampler struct {
	bits  []uint64
	size  int
	next  int
	count int
}

func newBinarySampler(size int) *binarySampler {
	if size <= 0 {
		size = 1
	}

	return &binarySampler{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// tick overwrites the oldest outcome when the window is full. Until
// then, it overwrites zero bits, so the count is correct from the first
// request.
func (s *binarySampler) tick(set bool) {
	word, mask := s.next/64, uint64(1)<<(s.next%64)
	if s.bits[word]&mask != 0 {
		s.count--
	}

	if set {
		s.bits[word] |= mask
		s.count++
	} else {
		s.bits[word] &^= mask
	}

	s.next = (s.next + 1) % s.size
}
