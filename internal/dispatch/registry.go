package dispatch

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Channel is the delivery end of one live connection. Send must not block
// indefinitely; implementations apply their own backpressure policy.
type Channel interface {
	Send(Event) error
	Close()
}

// Registry maps user ids to their single live channel. It is sharded so
// connect and disconnect churn on one key range does not contend with
// lookups on another.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].channels = make(map[string]Channel)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Register installs the channel as the user's live connection. A previous
// channel for the same user is closed: the newest connection wins.
func (r *Registry) Register(userID string, ch Channel) {
	shard := r.shard(userID)
	shard.mu.Lock()
	prev := shard.channels[userID]
	shard.channels[userID] = ch
	shard.mu.Unlock()
	if prev != nil && prev != ch {
		prev.Close()
	}
}

// Deregister removes whatever channel the user currently has.
func (r *Registry) Deregister(userID string) {
	shard := r.shard(userID)
	shard.mu.Lock()
	delete(shard.channels, userID)
	shard.mu.Unlock()
}

// DeregisterChannel removes the user's channel only if it is still the given
// one. A connection tearing itself down must not evict the connection that
// replaced it.
func (r *Registry) DeregisterChannel(userID string, ch Channel) {
	shard := r.shard(userID)
	shard.mu.Lock()
	if shard.channels[userID] == ch {
		delete(shard.channels, userID)
	}
	shard.mu.Unlock()
}

// Lookup returns the user's live channel, if any.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	shard := r.shard(userID)
	shard.mu.RLock()
	ch, ok := shard.channels[userID]
	shard.mu.RUnlock()
	return ch, ok
}
