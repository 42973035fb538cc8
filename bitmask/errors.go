package bitmask

import "fmt"

// DomainError reports an index outside [0,total) or a negative total.
type DomainError struct {
	Index int
	Total int
}

func (e *DomainError) Error() string {
	if e.Total < 0 {
		return fmt.Sprintf("bitmask: negative total %d", e.Total)
	}
	return fmt.Sprintf("bitmask: index %d out of range [0,%d)", e.Index, e.Total)
}

// FormatError reports a payload that is not a whole number of words, or not
// valid base64.
type FormatError struct {
	Length int
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bitmask: malformed payload: %v", e.Err)
	}
	return fmt.Sprintf("bitmask: payload length %d is not a multiple of %d", e.Length, WordSize)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
