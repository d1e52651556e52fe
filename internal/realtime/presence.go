package realtime

import (
	"sort"
	"sync"
)

// Presence counts open connections per user. A user is online while the
// count is above zero. It also remembers the rooms each online user was
// announced to, so going offline reaches every room that saw them come online.
type Presence struct {
	mu        sync.Mutex
	counts    map[string]int
	announced map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		counts:    make(map[string]int),
		announced: make(map[string]map[string]struct{}),
	}
}

// ConnectionOpened reports whether userID just came online.
func (p *Presence) ConnectionOpened(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[userID]++
	return p.counts[userID] == 1
}

// Announce records that room was told userID is online. It is ignored for a
// user with no open connection.
func (p *Presence) Announce(userID, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[userID] == 0 {
		return
	}
	if p.announced[userID] == nil {
		p.announced[userID] = make(map[string]struct{})
	}
	p.announced[userID][room] = struct{}{}
}

// ConnectionClosed reports whether userID just went offline and, if so, the
// rooms it had been announced to, sorted. Closing a user with no open
// connection is a no-op.
func (p *Presence) ConnectionClosed(userID string) (rooms []string, offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[userID]
	if !ok {
		return nil, false
	}
	if n > 1 {
		p.counts[userID] = n - 1
		return nil, false
	}
	delete(p.counts, userID)
	for room := range p.announced[userID] {
		rooms = append(rooms, room)
	}
	delete(p.announced, userID)
	sort.Strings(rooms)
	return rooms, true
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID] > 0
}

func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.counts)
}
