package nwc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCacheSizePerConnection = 1000

// eventDedupCache tracks recently processed request event ids per
// connection. Relays replay stored events on resubscribe; a seen id must
// not be handled twice.
type eventDedupCache struct {
	cacheSize int
	mu        sync.Mutex
	caches    map[string]*lru.Cache[string, struct{}]
}

func newEventDedupCache(cacheSize int) (*eventDedupCache, error) {
	if cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive")
	}

	return &eventDedupCache{
		cacheSize: cacheSize,
		caches:    make(map[string]*lru.Cache[string, struct{}]),
	}, nil
}

// seen records the event id for the connection and reports whether it
// was already present.
func (d *eventDedupCache) seen(connectionID, eventID string) bool {
	if connectionID == "" || eventID == "" {
		return false
	}

	d.mu.Lock()
	cache, exists := d.caches[connectionID]
	if !exists {
		var err error
		cache, err = lru.New[string, struct{}](d.cacheSize)
		if err != nil {
			d.mu.Unlock()
			return false
		}
		d.caches[connectionID] = cache
	}

	if cache.Contains(eventID) {
		d.mu.Unlock()
		return true
	}

	cache.Add(eventID, struct{}{})
	d.mu.Unlock()
	return false
}

// forget drops the per-connection cache, freeing its memory after a
// connection is deleted.
func (d *eventDedupCache) forget(connectionID string) {
	d.mu.Lock()
	delete(d.caches, connectionID)
	d.mu.Unlock()
}
