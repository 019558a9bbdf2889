// Package eventbus implements the in-process, multi-consumer fan-out of
// committed Transactions described in spec.md §4.5.
//
// It replaces the teacher's libp2p-pubsub-backed Node.Broadcast/
// Node.Subscribe (core/network.go) with a channel-based bus: ours is
// explicitly single-process (one producer, a fixed pair of consumer
// groups), so the networked pubsub layer the teacher reaches for is the
// wrong tool and is dropped (see DESIGN.md).
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"trongateway-core/core"
	"trongateway-core/metrics"
)

// OverflowPolicy controls what a consumer group does when its queue is
// full, per spec.md §4.5.
type OverflowPolicy int

const (
	// Blocking makes Publish block until space frees; used by the
	// Callback Dispatcher group, which must see every committed event.
	Blocking OverflowPolicy = iota
	// Lossy drops the oldest queued item and increments a counter; used
	// by the Stream Session Manager group.
	Lossy
)

// Bus is the single producer / fixed consumer-group fan-out. The Scanner's
// commit step is the sole producer; Callback and Stream are the two
// consumer groups spec.md §2 names.
type Bus struct {
	mu     sync.Mutex
	groups map[string]*group
	log    *logrus.Entry
}

type group struct {
	name     string
	policy   OverflowPolicy
	capacity int
	ch       chan core.CommittedTransaction
	mu       sync.Mutex
	dropped  uint64
}

// New constructs an empty Bus. Consumer groups are registered with
// RegisterGroup before the Scanner starts publishing.
func New() *Bus {
	return &Bus{
		groups: make(map[string]*group),
		log:    logrus.WithField("component", "eventbus"),
	}
}

// RegisterGroup creates a bounded consumer-group queue with the given
// overflow policy and capacity (default 10,000 per spec.md §4.5).
func (b *Bus) RegisterGroup(name string, policy OverflowPolicy, capacity int) {
	if capacity <= 0 {
		capacity = 10000
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[name] = &group{
		name:     name,
		policy:   policy,
		capacity: capacity,
		ch:       make(chan core.CommittedTransaction, capacity),
	}
}

// Publish fans tx out to every registered consumer group, in the caller's
// call order. Callers must publish in ascending (height, index, log-index)
// order — the Bus does not reorder; it only fans out, per spec.md §9.
func (b *Bus) Publish(tx core.CommittedTransaction) {
	b.mu.Lock()
	groups := make([]*group, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, g := range groups {
		g.publish(tx, b.log, g.name == "stream")
	}
}

func (g *group) publish(tx core.CommittedTransaction, log *logrus.Entry, isStream bool) {
	switch g.policy {
	case Blocking:
		g.ch <- tx
	case Lossy:
		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case g.ch <- tx:
		default:
			// Queue full: drop the oldest item to make room, per
			// spec.md §4.5's "lossy with counter" policy.
			select {
			case <-g.ch:
				metrics.StreamingDropped.Inc()
				atomic.AddUint64(&g.dropped, 1)
				log.WithField("group", g.name).Warn("dropped oldest queued event: consumer group full")
			default:
			}
			select {
			case g.ch <- tx:
			default:
			}
		}
	}
}

// Consume returns the receive-only channel for a consumer group. Each
// reader maintains its own position; there is no backward scan.
func (b *Bus) Consume(name string) <-chan core.CommittedTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[name]
	if !ok {
		return nil
	}
	return g.ch
}

// Depth reports the current queue depth for a consumer group, used by the
// operator health endpoint.
func (b *Bus) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[name]
	if !ok {
		return 0
	}
	return len(g.ch)
}

// DroppedSince returns the number of items dropped from a consumer
// group's queue since since, letting a consumer detect the gap without
// threading a dropped-item identity through the bus (the bus only knows
// an item was overwritten, not which one). Used by the Stream Session
// Manager to emit spec.md §4.5/§4.8's gap marker.
func (b *Bus) DroppedSince(name string, since uint64) uint64 {
	b.mu.Lock()
	g, ok := b.groups[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	current := atomic.LoadUint64(&g.dropped)
	if current < since {
		return 0
	}
	return current - since
}

// DroppedTotal returns the consumer group's all-time dropped count, the
// starting point for DroppedSince.
func (b *Bus) DroppedTotal(name string) uint64 {
	b.mu.Lock()
	g, ok := b.groups[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&g.dropped)
}

const (
	GroupCallback = "callback"
	GroupStream   = "stream"
)
