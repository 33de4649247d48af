package store

import "sync"

// convLocks serializes writes per conversation. One in-flight mutation at a
// time per conversation keeps seq allocation free of interleaving; writes to
// different conversations proceed concurrently.
type convLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *convLocks) get(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	mu, ok := l.m[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[conversationID] = mu
	}
	return mu
}

func (db *DB) withConversation(conversationID string, fn func() error) error {
	mu := db.locks.get(conversationID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
