// Package sendbuf implements the send buffer of spec.md §4.6: a
// bounded, FIFO-by-timeout queue of locally originated packets waiting
// for a usable route. Grounded on
// _examples/original_source/Etx/src/mcl/sys/sendbuf.c/.h, with the
// original's intrusive free-list recycling replaced by a plain slice
// kept in timeout order (idiomatic Go over a hand-rolled linked list;
// the original's own comment notes "usually there are at most a few
// packets in the send buffer, so we do not need a fancy data
// structure").
package sendbuf

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// DefaultTimeout is how long a queued packet waits for a route before
// it is completed with failure (spec.md §4.6: "default retention a few
// seconds").
const DefaultTimeout common.Tick = 5 * common.TicksPerSecond

// Packet is one locally originated frame awaiting a route.
type Packet struct {
	Dest     common.Addr
	Payload  []byte
	Enqueued common.Tick
	Timeout  common.Tick
}

// Callbacks lets Check drive the rest of the system (link cache,
// maintenance buffer, request table) without sendbuf depending on their
// concrete types, keeping every blocking call out from under the
// buffer's lock and the package unit-testable in isolation.
type Callbacks interface {
	// FillSR attempts to compute a route to dest (linkcache.Cache.FillSR).
	FillSR(dest common.Addr, now common.Tick) (*wire.SourceRoute, error)
	// UseSR validates the outgoing-interface queue depth for sr
	// (linkcache.Cache.UseSR, called with pkt.Dest as the origin).
	UseSR(sr *wire.SourceRoute) error
	// Send hands the packet and its route to the maintenance buffer now
	// that it has a usable route.
	Send(pkt *Packet, sr *wire.SourceRoute)
	// Complete finishes the packet with a terminal error (queue full,
	// no route after timeout, resources exhausted).
	Complete(pkt *Packet, err error)
	// RequestSend asks the request table whether a Route Request for
	// dest may be sent now; ok is false if backoff forbids it.
	RequestSend(dest common.Addr, now common.Tick) (id uint32, ok bool)
	// SendRouteRequest emits a Route Request with the given identifier.
	SendRouteRequest(dest common.Addr, id uint32)
}

// Buffer is the send buffer (spec.md §4.6). One per adapter.
type Buffer struct {
	mu        sync.Mutex
	packets   []*Packet
	maxSize   int
	highWater int
}

// New constructs an empty buffer bounded to maxSize packets.
func New(maxSize int) *Buffer {
	return &Buffer{maxSize: maxSize}
}

// Insert queues a packet, attempting a Route Request for its
// destination first (spec.md §4.6 combined with §4.5: "it is still good
// to queue the packet... it is quite possible we will overhear a
// route"). If the buffer is at capacity, the oldest queued packet is
// evicted and completed through cb.Complete with lqsrerr.ErrResources.
func (b *Buffer) Insert(pkt *Packet, now common.Tick, cb Callbacks) {
	if id, ok := cb.RequestSend(pkt.Dest, now); ok {
		cb.SendRouteRequest(pkt.Dest, id)
	}

	b.mu.Lock()
	pkt.Enqueued = now
	pkt.Timeout = now + DefaultTimeout

	var victim *Packet
	if b.maxSize > 0 && len(b.packets) >= b.maxSize {
		victim = b.packets[0]
		b.packets = b.packets[1:]
	}
	b.packets = append(b.packets, pkt)
	if len(b.packets) > b.highWater {
		b.highWater = len(b.packets)
	}
	b.mu.Unlock()

	if victim != nil {
		cb.Complete(victim, lqsrerr.ErrResources)
	}
}

// Check implements spec.md §4.6's "send_buf_check": scans every queued
// packet, moving it to the maintenance buffer if a route now exists,
// completing it with failure if it has timed out with no route, and
// otherwise opportunistically retrying the Route Request. Packets
// re-queued are reinserted in strict timeout order.
func (b *Buffer) Check(now common.Tick, cb Callbacks) {
	b.mu.Lock()
	pending := b.packets
	b.packets = nil
	b.mu.Unlock()

	var requeue []*Packet
	for _, pkt := range pending {
		sr, err := cb.FillSR(pkt.Dest, now)
		if err == nil {
			if useErr := cb.UseSR(sr); useErr != nil {
				cb.Complete(pkt, useErr)
				continue
			}
			cb.Send(pkt, sr)
			continue
		}

		if err != lqsrerr.ErrNoRoute || pkt.Timeout < now {
			cb.Complete(pkt, err)
			continue
		}

		if id, ok := cb.RequestSend(pkt.Dest, now); ok {
			cb.SendRouteRequest(pkt.Dest, id)
		}
		requeue = append(requeue, pkt)
	}

	if len(requeue) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pkt := range requeue {
		b.insertByTimeoutLocked(pkt)
	}
}

func (b *Buffer) insertByTimeoutLocked(pkt *Packet) {
	i := 0
	for i < len(b.packets) && b.packets[i].Timeout <= pkt.Timeout {
		i++
	}
	b.packets = append(b.packets, nil)
	copy(b.packets[i+1:], b.packets[i:])
	b.packets[i] = pkt
	if len(b.packets) > b.highWater {
		b.highWater = len(b.packets)
	}
}

// Len reports the number of packets currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// HighWater reports the largest queue depth observed since the last
// ResetStatistics call.
func (b *Buffer) HighWater() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highWater
}

// ResetStatistics resets HighWater to the current depth (spec.md §4.6;
// matches sendbuf.c's SendBufResetStatistics).
func (b *Buffer) ResetStatistics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.highWater = len(b.packets)
}
