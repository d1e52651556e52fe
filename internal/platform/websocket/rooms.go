package websocket

import (
	"sort"
	"sync"
)

// Rooms maps room keys ("patient:<id>", "session:<id>") to member connection
// ids. A room exists while it has at least one member. Rooms performs no
// authorization; callers check access before Join.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room and reports whether it was not already a member.
func (r *Rooms) Join(room, connID string) bool {
	joined, _ := r.JoinAs(room, connID, func(string) bool { return false })
	return joined
}

// JoinAs is Join that also reports whether connID is the first member of
// room that sameUser accepts. Both answers come from one critical section, so
// two connections of one user joining at once cannot both be first. sameUser
// must not call back into Rooms.
func (r *Rooms) JoinAs(room, connID string, sameUser func(connID string) bool) (joined, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[room][connID]; ok {
		return false, false
	}
	first = true
	for member := range r.members[room] {
		if sameUser(member) {
			first = false
			break
		}
	}
	if r.members[room] == nil {
		r.members[room] = make(map[string]struct{})
	}
	r.members[room][connID] = struct{}{}
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][room] = struct{}{}
	return true, first
}

// Leave removes connID from room and reports whether it was a member.
func (r *Rooms) Leave(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, connID)
}

func (r *Rooms) leaveLocked(room, connID string) bool {
	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, room)
	}
	if rooms := r.byConn[connID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room in one critical section and returns
// the rooms it left, sorted.
func (r *Rooms) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for room := range r.byConn[connID] {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(room, connID)
	}
	sort.Strings(left)
	return left
}

// MembersOf returns the room's connection ids, sorted.
func (r *Rooms) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Rooms) roomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byConn[connID]
	rooms := make([]string, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Rooms) IsMember(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][connID]
	return ok
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
