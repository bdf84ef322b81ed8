// Package cache mirrors per-message vote tallies into a fast read path. The
// durable store stays authoritative: writes are best effort and readers fall
// back to the store when the mirror misses or fails.
package cache

import "context"

// Tally is the up/down counter pair mirrored for a single message.
type Tally struct {
	Upvotes   int
	Downvotes int
}

// TallyCache stores the latest known tally per message id.
type TallyCache interface {
	// WriteTally records the tally for a message, overwriting any previous
	// value.
	WriteTally(ctx context.Context, messageID string, tally Tally) error
	// ReadTally returns the mirrored tally. ErrMiss signals that the caller
	// should read the durable store instead.
	ReadTally(ctx context.Context, messageID string) (Tally, error)
	Close() error
}

// NoopCache discards writes and always misses. It stands in when no cache
// backend is configured.
type NoopCache struct{}

func NewNoop() NoopCache { return NoopCache{} }

func (NoopCache) WriteTally(context.Context, string, Tally) error { return nil }

func (NoopCache) ReadTally(context.Context, string) (Tally, error) {
	return Tally{}, ErrMiss
}

func (NoopCache) Close() error { return nil }
