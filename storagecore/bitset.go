package storagecore

// BitSet is a growable membership set over uint32 keys, used by
// callers that materialize the full key/rowID set of a file in one
// GetAllBits call. Same get/set-a-bit idiom as the management-page
// bitmaps in vector_bitmap.go, grown on demand instead of living
// inside a fixed page.
type BitSet struct {
	words []uint64
}

// NewBitSet returns an empty BitSet. It grows automatically as bits
// past its current capacity are set.
func NewBitSet() *BitSet { return &BitSet{} }

func (b *BitSet) ensure(word int) {
	for len(b.words) <= word {
		b.words = append(b.words, 0)
	}
}

// Set marks bit i present.
func (b *BitSet) Set(i uint32) {
	word := int(i / 64)
	b.ensure(word)
	b.words[word] |= 1 << (i % 64)
}

// Test reports whether bit i is present.
func (b *BitSet) Test(i uint32) bool {
	word := int(i / 64)
	if word >= len(b.words) {
		return false
	}
	return b.words[word]&(1<<(i%64)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	n := 0
	for _, w := range b.words {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// GetAllBits walks the leaf chain and sets one bit per entry key, for
// callers that want a materialized rowID set rather than the
// per-entry callback GetAll gives.
func (t *BTree) GetAllBits(bs *BitSet) error {
	return t.GetAll(func(e Entry) { bs.Set(e.Key) })
}

// GetAllBits walks every live row and sets one bit per RowID.
func (v *VectorFile) GetAllBits(bs *BitSet) error {
	return v.GetAll(func(row RowID, _ []byte) { bs.Set(uint32(row)) })
}
