package lithub

import (
	"time"
)

// Config holds the memoization settings.
type Config struct {
	// DefaultTTL is how long a cached payload lives when the call site passes no TTL.
	// Zero stores payloads without expiry.
	DefaultTTL time.Duration
	// KeyBuilder derives cache keys from call identity and arguments.
	KeyBuilder KeyBuilder
	// MaxPayloadBytes - do not cache payloads larger than this. Zero disables the cap.
	MaxPayloadBytes int
}

// DefaultConfig provides defaults.
var DefaultConfig = &Config{
	DefaultTTL: time.Hour,
	KeyBuilder: DefaultKeyBuilder,
}
