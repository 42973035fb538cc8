package lithub

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// KeyBuilder derives a cache key from the identity of a computation and its
// arguments. Equal inputs must produce equal keys.
type KeyBuilder func(op, namespace string, args []any, kwargs map[string]any) string

// DefaultKeyBuilder hashes "op:args:kwargs" and prefixes the digest with the
// namespace, giving "<namespace>:<16 hex digits>". Arguments are printed with
// %#v, so maps are rendered with sorted keys and strings are quoted. Pass
// values, not pointers: a pointer prints as its address.
func DefaultKeyBuilder(op, namespace string, args []any, kwargs map[string]any) string {
	digest := xxhash.New()
	_, _ = fmt.Fprintf(digest, "%s:%#v:%#v", op, args, kwargs)
	return fmt.Sprintf("%s:%016x", namespace, digest.Sum64())
}
