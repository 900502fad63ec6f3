package websocket

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"schoolchat/pkg/interfaces"
)

// Registry tracks live connections and their channel memberships. It is
// in-memory only; a restart starts empty.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
	members     map[string]map[string]struct{} // channel id -> connection ids
	joined      map[string]map[string]struct{} // connection id -> channel ids
}

// RegistryStats is a point-in-time snapshot of registry sizes.
type RegistryStats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	Memberships int `json:"memberships"`
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		members:     make(map[string]map[string]struct{}),
		joined:      make(map[string]map[string]struct{}),
	}
}

// Register adds a connection with no memberships.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes conn and all of its memberships, returning the
// channels it left. A different instance registered under the same id is
// left alone.
func (r *Registry) Unregister(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return nil
	}
	delete(r.connections, conn.ID())
	return r.leaveAllLocked(conn.ID())
}

// Connection looks up a registered connection.
func (r *Registry) Connection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Join adds connID to channelID. Joining twice is the same as joining once;
// the returned bool reports whether membership changed.
func (r *Registry) Join(connID, channelID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[connID]; !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := r.members[channelID][connID]; ok {
		return false, nil
	}
	if r.members[channelID] == nil {
		r.members[channelID] = make(map[string]struct{})
	}
	if r.joined[connID] == nil {
		r.joined[connID] = make(map[string]struct{})
	}
	r.members[channelID][connID] = struct{}{}
	r.joined[connID][channelID] = struct{}{}
	return true, nil
}

// Leave removes connID from channelID. Leaving a channel that was not
// joined is a no-op.
func (r *Registry) Leave(connID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, channelID)
}

// LeaveAll removes every membership of connID.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveAllLocked(connID)
}

func (r *Registry) leaveLocked(connID, channelID string) bool {
	set, ok := r.members[channelID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, channelID)
	}
	if chans := r.joined[connID]; chans != nil {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

func (r *Registry) leaveAllLocked(connID string) []string {
	left := sortedKeys(r.joined[connID])
	for _, channelID := range left {
		r.leaveLocked(connID, channelID)
	}
	return left
}

// IsMember reports whether connID has joined channelID.
func (r *Registry) IsMember(connID, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[channelID][connID]
	return ok
}

// MembersOf returns the connection ids joined to channelID, sorted. An
// unknown channel has no members.
func (r *Registry) MembersOf(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[channelID])
}

// MemberConnections returns the live connections joined to channelID.
func (r *Registry) MemberConnections(channelID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.FilterMap(sortedKeys(r.members[channelID]), func(id string, _ int) (interfaces.Connection, bool) {
		conn, ok := r.connections[id]
		return conn, ok
	})
}

// ChannelsOf returns the channels connID has joined, sorted.
func (r *Registry) ChannelsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.joined[connID])
}

// Stats returns current sizes.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Connections: len(r.connections),
		Channels:    len(r.members),
		Memberships: lo.SumBy(lo.Values(r.members), func(set map[string]struct{}) int { return len(set) }),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := lo.Keys(set)
	slices.Sort(keys)
	return keys
}
