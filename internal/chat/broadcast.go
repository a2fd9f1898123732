package chat

import (
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/metrics"
	"github.com/Tyrowin/groupchat/internal/models"
)

// Broadcaster fans payloads out to the connections in a Registry.
//
// Delivery is a non-blocking enqueue on each connection's outbound queue.
// A connection whose queue is full or closed is treated as dead: it is
// evicted and closed, and the fan-out carries on with the rest.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// Broadcast delivers payload to every connection registered to group when
// the call starts, and returns how many accepted it.
func (b *Broadcaster) Broadcast(group models.GroupID, payload []byte) int {
	conns := b.registry.ConnectionsFor(group)
	delivered := b.fanOut(metrics.ScopeGroup, conns, payload)
	logging.Debug().
		Int64("group_id", int64(group)).
		Int("targets", len(conns)).
		Int("delivered", delivered).
		Msg("group broadcast")
	return delivered
}

// BroadcastGlobal delivers payload to every unscoped connection.
func (b *Broadcaster) BroadcastGlobal(payload []byte) int {
	conns := b.registry.GlobalConnections()
	delivered := b.fanOut(metrics.ScopeGlobal, conns, payload)
	logging.Debug().
		Int("targets", len(conns)).
		Int("delivered", delivered).
		Msg("global broadcast")
	return delivered
}

func (b *Broadcaster) fanOut(scope string, conns []*Conn, payload []byte) int {
	metrics.Broadcasts.WithLabelValues(scope).Inc()

	delivered, dead := deliverToConns(conns, payload)
	metrics.Deliveries.WithLabelValues(scope).Add(float64(delivered))
	b.removeDeadConns(scope, dead)
	return delivered
}

// deliverToConns enqueues payload on each connection and returns the ones that refused it.
func deliverToConns(conns []*Conn, payload []byte) (int, []*Conn) {
	delivered := 0
	var dead []*Conn
	for _, conn := range conns {
		if conn.enqueue(payload) {
			delivered++
			continue
		}
		dead = append(dead, conn)
	}
	return delivered, dead
}

func (b *Broadcaster) removeDeadConns(scope string, dead []*Conn) {
	for _, conn := range dead {
		if b.registry.Evict(conn) {
			metrics.DeadPeers.WithLabelValues(scope).Inc()
			logging.Warn().
				Str("conn_id", conn.ID().String()).
				Str("scope", scope).
				Msg("connection removed: outbound queue full or closed")
		}
		conn.Close()
	}
}
