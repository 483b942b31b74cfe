// Package factory tracks child-contract addresses discovered from a
// factory event, mirrored in an in-memory cache with a 5-hour idle
// eviction, and persisted to CSV and/or relational storage. Grounded on
// the original implementation's mini_moka-backed cache
// (event/factory_event_filter_sync.rs), reimplemented with a mutex-guarded
// map and a janitor goroutine since no TTL-cache library appears anywhere
// in the retrieval pack.
package factory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const idleEviction = 5 * time.Hour

type key struct {
	Contract string
	Event    string
	Network  string
}

type entry struct {
	addresses  map[common.Address]struct{}
	lastAccess time.Time
}

// Persister is the durable mirror for discovered addresses: CSV append
// and/or a relational upsert table.
type Persister interface {
	Append(ctx context.Context, contract, event, network string, addrs []common.Address) error
	Load(ctx context.Context, contract, event, network string) ([]common.Address, error)
}

// Cache is the process-wide factory address cache.
type Cache struct {
	mu        sync.RWMutex
	entries   map[key]*entry
	persister Persister
	stopCh    chan struct{}
}

// New constructs a Cache backed by an optional Persister and starts its
// idle-eviction janitor.
func New(persister Persister) *Cache {
	c := &Cache{
		entries:   make(map[key]*entry),
		persister: persister,
		stopCh:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Close stops the background janitor.
func (c *Cache) Close() { close(c.stopCh) }

func (c *Cache) janitor() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.evictIdle()
		}
	}
}

func (c *Cache) evictIdle() {
	cutoff := time.Now().Add(-idleEviction)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// Warm loads the durable set into the in-memory cache at startup, so the
// first child-task window after a restart already sees every previously
// discovered address.
func (c *Cache) Warm(ctx context.Context, contract, event, network string) error {
	if c.persister == nil {
		return nil
	}
	addrs, err := c.persister.Load(ctx, contract, event, network)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return nil
	}
	k := key{contract, event, network}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreateLocked(k)
	for _, a := range addrs {
		e.addresses[a] = struct{}{}
	}
	return nil
}

func (c *Cache) getOrCreateLocked(k key) *entry {
	e, ok := c.entries[k]
	if !ok {
		e = &entry{addresses: make(map[common.Address]struct{})}
		c.entries[k] = e
	}
	e.lastAccess = time.Now()
	return e
}

// Discover records newly discovered child addresses for (contract, event,
// network), persisting them durably before they become visible in the
// in-memory cache so a crash between persist and cache-update never loses
// an address, only delays its visibility until the next Warm.
func (c *Cache) Discover(ctx context.Context, contract, event, network string, addrs []common.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	if c.persister != nil {
		if err := c.persister.Append(ctx, contract, event, network, addrs); err != nil {
			return err
		}
	}
	k := key{contract, event, network}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreateLocked(k)
	for _, a := range addrs {
		e.addresses[a] = struct{}{}
	}
	return nil
}

// Addresses returns the current discovered-address set for (contract,
// event, network). Implements eventfilter.AddressSource.
func (c *Cache) Addresses(contract, event, network string) []common.Address {
	k := key{contract, event, network}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil
	}
	e.lastAccess = time.Now()
	out := make([]common.Address, 0, len(e.addresses))
	for a := range e.addresses {
		out = append(out, a)
	}
	return out
}
