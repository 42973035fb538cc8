// Package bitmask packs sets of document indices into little-endian 32-bit words.
//
// Bit b of word w marks index w*32+b. A mask for a universe of total documents
// always holds exactly ceil(total/32) words.
package bitmask

import (
	"encoding/base64"
	"encoding/binary"
	"math/bits"
)

// WordSize is the width of one mask word in bytes.
const WordSize = 4

const wordBits = WordSize * 8

// Words returns the number of 32-bit words needed to address total indices.
func Words(total int) int {
	n := total >> 5
	if total&31 != 0 {
		n++
	}
	return n
}

// Builder accumulates indices into a mask of fixed size.
type Builder struct {
	total int
	words []uint32
}

// NewBuilder allocates a zeroed mask for total indices.
func NewBuilder(total int) (*Builder, error) {
	if total < 0 {
		return nil, &DomainError{Index: -1, Total: total}
	}
	return &Builder{total: total, words: make([]uint32, Words(total))}, nil
}

// Add sets the bit for index. Setting a bit twice has no effect.
func (b *Builder) Add(index int) error {
	if index < 0 || index >= b.total {
		return &DomainError{Index: index, Total: b.total}
	}
	b.words[index>>5] |= 1 << uint(index&31)
	return nil
}

// Bytes serializes the words little-endian.
func (b *Builder) Bytes() []byte {
	out := make([]byte, len(b.words)*WordSize)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*WordSize:], w)
	}
	return out
}

// Encode packs indices into a mask for total documents. Indices need not be
// sorted or unique.
func Encode(indices []int, total int) ([]byte, error) {
	b, err := NewBuilder(total)
	if err != nil {
		return nil, err
	}
	for _, idx := range indices {
		if err := b.Add(idx); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// FromPredicate builds a mask with the bit set for every index in [0,total)
// for which pred returns true.
func FromPredicate(total int, pred func(index int) bool) ([]byte, error) {
	b, err := NewBuilder(total)
	if err != nil {
		return nil, err
	}
	for i := 0; i < total; i++ {
		if pred(i) {
			b.words[i>>5] |= 1 << uint(i&31)
		}
	}
	return b.Bytes(), nil
}

// EncodeBase64 is Encode followed by standard base64.
func EncodeBase64(indices []int, total int) (string, error) {
	raw, err := Encode(indices, total)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode returns the ascending indices whose bits are set.
func Decode(payload []byte) ([]int, error) {
	return decode(payload, -1, -1)
}

// DecodeTotal is Decode capped at total: indices >= total are not reported.
func DecodeTotal(payload []byte, total int) ([]int, error) {
	if total < 0 {
		return nil, &DomainError{Index: -1, Total: total}
	}
	return decode(payload, total, -1)
}

// DecodeLimited stops after limit indices. The result is always a prefix of
// Decode.
func DecodeLimited(payload []byte, limit int) ([]int, error) {
	if limit <= 0 {
		if err := checkLength(payload); err != nil {
			return nil, err
		}
		return []int{}, nil
	}
	return decode(payload, -1, limit)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]int, error) {
	raw, err := ParseBase64(s)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// ParseBase64 returns the packed mask carried in s, checking it is whole words.
func ParseBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &FormatError{Length: len(s), Err: err}
	}
	if err := checkLength(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Count returns the number of set bits.
func Count(payload []byte) (int, error) {
	if err := checkLength(payload); err != nil {
		return 0, err
	}
	n := 0
	for off := 0; off < len(payload); off += WordSize {
		n += bits.OnesCount32(binary.LittleEndian.Uint32(payload[off:]))
	}
	return n, nil
}

func checkLength(payload []byte) error {
	if len(payload)%WordSize != 0 {
		return &FormatError{Length: len(payload)}
	}
	return nil
}

// decode scans words in order; a negative maxIndex or limit disables that bound.
func decode(payload []byte, maxIndex, limit int) ([]int, error) {
	if err := checkLength(payload); err != nil {
		return nil, err
	}
	out := []int{}
	for w := 0; w*WordSize < len(payload); w++ {
		word := binary.LittleEndian.Uint32(payload[w*WordSize:])
		for word != 0 {
			idx := w*wordBits + bits.TrailingZeros32(word)
			if maxIndex >= 0 && idx >= maxIndex {
				return out, nil
			}
			out = append(out, idx)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			word &= word - 1
		}
	}
	return out, nil
}
