package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rmedina/waflow/pkg/session"
)

// sessionCache is a bounded TTL LRU mapping identity to a session snapshot.
//
// Entries are cloned on the way in and out so a handler mutating its
// snapshot cannot corrupt what other readers see. The cache is replaced on
// successful commit and invalidated on failure; LoadFresh always bypasses it.
type sessionCache struct {
	lru *expirable.LRU[string, *session.Session]
}

func newSessionCache(maxEntries int, ttl time.Duration) *sessionCache {
	return &sessionCache{
		lru: expirable.NewLRU[string, *session.Session](maxEntries, nil, ttl),
	}
}

func (c *sessionCache) get(identity string) (*session.Session, bool) {
	s, ok := c.lru.Get(identity)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (c *sessionCache) put(s *session.Session) {
	c.lru.Add(s.Identity, s.Clone())
}

func (c *sessionCache) remove(identity string) {
	c.lru.Remove(identity)
}

func (c *sessionCache) purge() {
	c.lru.Purge()
}
