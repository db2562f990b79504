// Package cyclon stands in for the external random-peer-sampling service
// RM-TMan draws its gossip targets from (spec.md §4.3). The real Cyclon
// protocol and its bloom-filter synchronization machinery are explicitly out
// of scope (spec.md §1); only the request/response contract the core depends
// on is implemented here.
package cyclon

import (
	"context"
	"math/rand"
	"sync"

	"github.com/ringkv/ringkv/internal/neighborhood"
)

// Cache is an externally-provided source of uniformly sampled peers. The
// core only assumes: responses are unordered, may contain duplicates with
// self (the caller filters), and arrive asynchronously after Request.
type Cache interface {
	Request(ctx context.Context, n int) <-chan []neighborhood.Descriptor
}

// StaticCache samples uniformly, without replacement, from a fixed
// membership set that is mutated out-of-band (e.g. by Overlay.Join, which
// cmd/server calls at startup). It is the default collaborator in place of a real Cyclon
// gossip-based cache.
type StaticCache struct {
	mu    sync.RWMutex
	peers []neighborhood.Descriptor
}

// NewStaticCache creates an empty cache.
func NewStaticCache() *StaticCache {
	return &StaticCache{}
}

// Seed replaces the full peer set the cache samples from.
func (c *StaticCache) Seed(peers []neighborhood.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append([]neighborhood.Descriptor(nil), peers...)
}

// Add appends a single peer to the sampling pool (e.g. on cluster join).
func (c *StaticCache) Add(d neighborhood.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.peers {
		if p.Addr == d.Addr {
			c.peers[i] = d
			return
		}
	}
	c.peers = append(c.peers, d)
}

// Remove drops a peer from the sampling pool (e.g. on cluster leave).
func (c *StaticCache) Remove(addr neighborhood.ProcessAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.peers[:0:0]
	for _, p := range c.peers {
		if p.Addr != addr {
			out = append(out, p)
		}
	}
	c.peers = out
}

// Request returns, on a buffered channel, up to n peers sampled uniformly at
// random from the current pool. The channel receives at most one value and
// is then closed, modeling the asynchronous "eventually delivers" contract
// of spec.md §4.3 without actually requiring a goroutine hop; if ctx is
// already done, a non-empty sample may be dropped and the channel closed
// without a value.
func (c *StaticCache) Request(ctx context.Context, n int) <-chan []neighborhood.Descriptor {
	out := make(chan []neighborhood.Descriptor, 1)
	c.mu.RLock()
	pool := append([]neighborhood.Descriptor(nil), c.peers...)
	c.mu.RUnlock()

	if n <= 0 || len(pool) == 0 {
		out <- nil
		close(out)
		return out
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	result := append([]neighborhood.Descriptor(nil), pool[:n]...)
	select {
	case out <- result:
	case <-ctx.Done():
	}
	close(out)
	return out
}
