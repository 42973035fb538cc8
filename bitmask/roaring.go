package bitmask

import (
	"encoding/binary"
	"math/bits"

	"github.com/RoaringBitmap/roaring"
)

// ToRoaring converts a packed mask into a roaring bitmap.
func ToRoaring(payload []byte) (*roaring.Bitmap, error) {
	if err := checkLength(payload); err != nil {
		return nil, err
	}
	rb := roaring.New()
	buf := make([]uint32, 0, wordBits)
	for w := 0; w*WordSize < len(payload); w++ {
		word := binary.LittleEndian.Uint32(payload[w*WordSize:])
		if word == 0 {
			continue
		}
		buf = buf[:0]
		for word != 0 {
			buf = append(buf, uint32(w*wordBits+bits.TrailingZeros32(word)))
			word &= word - 1
		}
		rb.AddMany(buf)
	}
	return rb, nil
}

// FromRoaring packs rb into a mask for total documents.
func FromRoaring(rb *roaring.Bitmap, total int) ([]byte, error) {
	b, err := NewBuilder(total)
	if err != nil {
		return nil, err
	}
	it := rb.Iterator()
	for it.HasNext() {
		if err := b.Add(int(it.Next())); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}
