package websocket

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks every authenticated connection and the user that owns it.
// A user may hold any number of connections (tabs, devices).
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Client),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(c *Client) {
	c.Touch()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[string]struct{})
	}
	r.byUser[c.UserID][c.ID] = struct{}{}
}

// Unregister removes the connection. It reports false when the id was not
// registered, so a second call for the same id is a no-op.
func (r *Registry) Unregister(connID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if set := r.byUser[c.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return c, true
}

func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnectionsOf returns the user's connection ids in sorted order.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.UserID, true
}

// Touch marks the connection as alive now.
func (r *Registry) Touch(connID string) {
	if c, ok := r.Get(connID); ok {
		c.Touch()
	}
}

// Stale returns connections that have not been touched within olderThan.
func (r *Registry) Stale(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of distinct users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// All returns a snapshot of the registered clients.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
