package ingest

import (
	"container/list"
	"context"
	"sync"

	"github.com/chatpulse/chatpulse/internal/store"
)

// Deduplicator decides whether a message identity has been fully ingested
// before. It keeps a bounded in-memory LRU of recently admitted IDs as a
// fast path and falls back to the metadata store for anything older, so
// memory stays flat no matter how much history accumulates.
//
// MarkSeen must only be called after the message is durably persisted;
// Seen answering false for an in-flight message is what makes a crashed
// ingest retryable.
type Deduplicator struct {
	meta store.MetadataStore

	mu    sync.Mutex
	cap   int
	order *list.List               // front = most recent
	index map[string]*list.Element // id -> order entry
}

// NewDeduplicator creates a deduplicator with the given LRU capacity.
func NewDeduplicator(meta store.MetadataStore, capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Deduplicator{
		meta:  meta,
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether the identity was already ingested. An LRU hit
// answers without touching the store; a miss is authoritative via the
// store, and a store hit is promoted into the LRU.
func (d *Deduplicator) Seen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	if el, ok := d.index[id]; ok {
		d.order.MoveToFront(el)
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	exists, err := d.meta.MessageExists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		d.MarkSeen(id)
	}
	return exists, nil
}

// MarkSeen records an identity as fully ingested, evicting the least
// recently used entry when the cache is full.
func (d *Deduplicator) MarkSeen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		d.order.MoveToFront(el)
		return
	}
	d.index[id] = d.order.PushFront(id)
	for d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
}

// Len reports the number of cached identities.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
