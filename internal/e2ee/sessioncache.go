package e2ee

import (
	"container/list"
	"sync"

	weberr "github.com/weftchat/weft/internal/errors"
)

// SessionCache is a bounded most-recently-used cache of loaded inbound
// group session handles. The sync and backfill paths use separate caches
// so they cannot evict each other's sessions; retry uses a throwaway one.
//
// The cache owns the handles it holds: evicted and remaining sessions are
// disposed by the cache, never by callers.
type SessionCache struct {
	mu       sync.Mutex
	limit    int
	order    *list.List
	index    map[sessionIdentity]*list.Element
	pins     int
	deferred []Session
	disposed bool
}

// NewSessionCache creates a cache holding at most limit sessions.
// A limit of zero means unbounded.
func NewSessionCache(limit int) *SessionCache {
	return &SessionCache{
		limit: limit,
		order: list.New(),
		index: make(map[sessionIdentity]*list.Element),
	}
}

type cacheEntry struct {
	id      sessionIdentity
	session Session
}

// Get returns the cached session for the identity and marks it most
// recently used, or nil when absent.
func (c *SessionCache) Get(senderKey, sessionID string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, weberr.ErrDisposed
	}

	el, ok := c.index[sessionIdentity{senderKey: senderKey, sessionID: sessionID}]
	if !ok {
		return nil, nil
	}

	c.order.MoveToFront(el)

	return el.Value.(*cacheEntry).session, nil
}

// Add inserts a session, evicting and disposing the least recently used
// one when over the limit. Adding the same identity twice disposes the
// previous handle.
func (c *SessionCache) Add(session Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return weberr.ErrDisposed
	}

	id := sessionIdentity{senderKey: session.SenderKey(), sessionID: session.SessionID()}
	if el, ok := c.index[id]; ok {
		c.retire(el.Value.(*cacheEntry).session)
		el.Value.(*cacheEntry).session = session
		c.order.MoveToFront(el)

		return nil
	}

	c.index[id] = c.order.PushFront(&cacheEntry{id: id, session: session})

	if c.limit > 0 && c.order.Len() > c.limit {
		oldest := c.order.Back()
		entry := oldest.Value.(*cacheEntry)
		c.retire(entry.session)
		c.order.Remove(oldest)
		delete(c.index, entry.id)
	}

	return nil
}

// retire removes a handle from the cache's ownership. While pinned the
// handle may still be referenced by an in-flight decryption batch, so
// disposal waits for Unpin.
func (c *SessionCache) retire(session Session) {
	if c.pins > 0 {
		c.deferred = append(c.deferred, session)
		return
	}

	session.Dispose()
}

// Pin keeps evicted handles alive until the matching Unpin. A decryption
// batch pins the cache for its whole lifetime: later lookups in the same
// batch may evict a handle an earlier item still holds.
func (c *SessionCache) Pin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins++
}

// Unpin releases one pin; when the last pin goes, every handle evicted
// while pinned is disposed.
func (c *SessionCache) Unpin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pins--
	if c.pins > 0 {
		return
	}

	for _, session := range c.deferred {
		session.Dispose()
	}

	c.deferred = nil
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Dispose releases every cached handle. The cache must not be used
// afterwards; Get and Add return ErrDisposed.
func (c *SessionCache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}
	c.disposed = true

	for el := c.order.Front(); el != nil; el = el.Next() {
		el.Value.(*cacheEntry).session.Dispose()
	}

	for _, session := range c.deferred {
		session.Dispose()
	}

	c.order.Init()
	c.index = nil
	c.deferred = nil
}
