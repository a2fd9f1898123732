package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/metrics"
	"github.com/Tyrowin/groupchat/internal/models"
)

// PresencePolicy decides when a user drops out of global presence.
type PresencePolicy int

const (
	// PresencePerConnection keeps a user present while any of its
	// connections is registered.
	PresencePerConnection PresencePolicy = iota

	// PresenceAnyDisconnect clears a user's global presence as soon as any
	// one of its connections is evicted, even if others remain. This is the
	// legacy behaviour and loses presence for users with several tabs open.
	PresenceAnyDisconnect
)

func (p PresencePolicy) String() string {
	switch p {
	case PresenceAnyDisconnect:
		return "any_disconnect"
	default:
		return "per_connection"
	}
}

// ParsePresencePolicy parses "per_connection" or "any_disconnect".
func ParsePresencePolicy(s string) (PresencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per_connection":
		return PresencePerConnection, nil
	case "any_disconnect":
		return PresenceAnyDisconnect, nil
	default:
		return PresencePerConnection, fmt.Errorf("unknown presence policy %q", s)
	}
}

// Registry tracks every live connection, the group sets used for fan-out,
// and the active-user index. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	conns     map[ConnID]*Conn
	groups    map[models.GroupID]map[ConnID]*Conn
	global    map[ConnID]*Conn
	lastSeen  map[models.UserID]time.Time
	userConns map[models.UserID]int

	policy PresencePolicy
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(policy PresencePolicy) *Registry {
	return &Registry{
		conns:     make(map[ConnID]*Conn),
		groups:    make(map[models.GroupID]map[ConnID]*Conn),
		global:    make(map[ConnID]*Conn),
		lastSeen:  make(map[models.UserID]time.Time),
		userConns: make(map[models.UserID]int),
		policy:    policy,
		now:       time.Now,
	}
}

// Policy returns the presence policy the registry was built with.
func (r *Registry) Policy() PresencePolicy {
	return r.policy
}

// Admit registers conn. A group connection joins its group's set and, when
// it carries a user, marks that user present. A groupless connection joins
// the unscoped set. Admitting an already registered connection is a no-op
// and reports false.
func (r *Registry) Admit(conn *Conn) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	if _, exists := r.conns[conn.id]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[conn.id] = conn

	scope := metrics.ScopeGlobal
	if conn.hasGroup {
		scope = metrics.ScopeGroup
		set, ok := r.groups[conn.group]
		if !ok {
			set = make(map[ConnID]*Conn)
			r.groups[conn.group] = set
		}
		set[conn.id] = conn
		if conn.hasUser {
			r.lastSeen[conn.user.ID] = r.now()
			r.userConns[conn.user.ID]++
		}
	} else {
		r.global[conn.id] = conn
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(scope).Inc()
	metrics.ConnectionsAdmitted.WithLabelValues(scope).Inc()
	logging.Debug().
		Str("conn_id", conn.id.String()).
		Str("scope", scope).
		Int("total_connections", total).
		Msg("connection admitted")
	return true
}

// Evict removes conn from every index. Evicting a connection that was never
// admitted, or was already evicted, is a no-op and reports false.
func (r *Registry) Evict(conn *Conn) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	if _, exists := r.conns[conn.id]; !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.id)

	scope := metrics.ScopeGlobal
	if conn.hasGroup {
		scope = metrics.ScopeGroup
		if set, ok := r.groups[conn.group]; ok {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(r.groups, conn.group)
			}
		}
		if conn.hasUser {
			r.releaseUser(conn.user.ID)
		}
	} else {
		delete(r.global, conn.id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(scope).Dec()
	logging.Debug().
		Str("conn_id", conn.id.String()).
		Str("scope", scope).
		Int("total_connections", total).
		Msg("connection evicted")
	return true
}

// releaseUser must be called with mu held.
func (r *Registry) releaseUser(id models.UserID) {
	remaining := r.userConns[id] - 1
	if remaining <= 0 {
		delete(r.userConns, id)
	} else {
		r.userConns[id] = remaining
	}
	if remaining <= 0 || r.policy == PresenceAnyDisconnect {
		delete(r.lastSeen, id)
	}
}

// ConnectionsFor returns a snapshot of the connections registered to group.
func (r *Registry) ConnectionsFor(group models.GroupID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[group]
	out := make([]*Conn, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

// GlobalConnections returns a snapshot of the unscoped connections.
func (r *Registry) GlobalConnections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.global))
	for _, conn := range r.global {
		out = append(out, conn)
	}
	return out
}

// UsersPresentGlobally returns the ids in the active-user index, ascending.
func (r *Registry) UsersPresentGlobally() []models.UserID {
	r.mu.RLock()
	ids := make([]models.UserID, 0, len(r.lastSeen))
	for id := range r.lastSeen {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sortUserIDs(ids)
	return ids
}

// UsersPresentIn returns the distinct users among group's live connections, ascending.
func (r *Registry) UsersPresentIn(group models.GroupID) []models.UserID {
	r.mu.RLock()
	seen := make(map[models.UserID]struct{})
	for _, conn := range r.groups[group] {
		if conn.hasUser {
			seen[conn.user.ID] = struct{}{}
		}
	}
	r.mu.RUnlock()

	ids := make([]models.UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sortUserIDs(ids)
	return ids
}

// LastSeen returns when the user was last admitted, if currently present.
func (r *Registry) LastSeen(id models.UserID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[id]
	return t, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll evicts and closes every connection and returns how many there were.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[ConnID]*Conn)
	r.groups = make(map[models.GroupID]map[ConnID]*Conn)
	r.global = make(map[ConnID]*Conn)
	r.lastSeen = make(map[models.UserID]time.Time)
	r.userConns = make(map[models.UserID]int)
	r.mu.Unlock()

	for _, conn := range conns {
		scope := metrics.ScopeGlobal
		if conn.hasGroup {
			scope = metrics.ScopeGroup
		}
		metrics.ConnectionsActive.WithLabelValues(scope).Dec()
		conn.Close()
	}
	return len(conns)
}

func sortUserIDs(ids []models.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
