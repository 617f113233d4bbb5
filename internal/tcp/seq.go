package tcp

// Sequence-number comparisons modulo 2^32.

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

// seqIn reports whether s is in the half-open window [lo, lo+size).
func seqIn(s, lo uint32, size uint32) bool {
	return seqGEQ(s, lo) && seqLT(s, lo+size)
}
