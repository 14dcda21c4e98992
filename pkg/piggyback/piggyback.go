// Package piggyback implements the piggyback coalescer of spec.md §4.8:
// an accumulator of small control options (ACK, Route Reply/Error, Info
// Reply) destined for a given next hop, attached to the next outbound
// frame for that hop or flushed standalone once their deadline passes.
// No original_source file retrieval covered this component directly
// (maintbuf.c only calls out to an external `PbackSendPacket`/
// `PbackSendOption` it does not define); grounded on spec.md §4.8's
// contract and the option wire format of pkg/wire.
package piggyback

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/wire"
)

// Coalescing windows (spec.md §4.8).
const (
	AckDelay       common.Tick = 80 * 10_000 // 80ms
	ReplyDelay     common.Tick = 0
	InfoReplyDelay common.Tick = 500 * 10_000 // 500ms
)

// optionHeaderLen is the 3-byte type+length prefix each option carries
// on the wire (pkg/wire's encodeOptions), counted against the frame
// budget when draining pending options into a packet.
const optionHeaderLen = 3

type entry struct {
	key      string
	opt      wire.Option
	deadline common.Tick
}

// Coalescer accumulates pending options per destination next hop.
type Coalescer struct {
	mu      sync.Mutex
	pending map[common.Addr][]*entry
}

// New constructs an empty coalescer.
func New() *Coalescer {
	return &Coalescer{pending: make(map[common.Addr][]*entry)}
}

// SendOption schedules opt for destination, to be sent no later than
// deadline. key identifies the option's identity for duplicate
// suppression (spec.md §4.8: "if an identical option is already
// scheduled for the same destination within its window, coalesce"; for
// an Ack this is typically "(from,to,inIf,outIf,id)"). If a pending
// entry with the same key already exists, the call is a no-op.
func (c *Coalescer) SendOption(dest common.Addr, key string, opt wire.Option, deadline common.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.pending[dest] {
		if e.key == key {
			return
		}
	}
	c.pending[dest] = append(c.pending[dest], &entry{key: key, opt: opt, deadline: deadline})
}

// DrainForPacket removes and returns every option pending for dest that
// fits within budget bytes of remaining frame space (spec.md §4.8
// "send_packet ... drain all options ... whose total serialized size
// fits within the frame budget"). Options that do not fit remain
// pending for a later packet or the timeout sweep.
func (c *Coalescer) DrainForPacket(dest common.Addr, budget int) []wire.Option {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending[dest]
	if len(pending) == 0 {
		return nil
	}

	var drained []wire.Option
	var remaining []*entry
	used := 0
	for _, e := range pending {
		cost := optionHeaderLen + e.opt.Len()
		if used+cost <= budget {
			drained = append(drained, e.opt)
			used += cost
		} else {
			remaining = append(remaining, e)
		}
	}

	if len(remaining) == 0 {
		delete(c.pending, dest)
	} else {
		c.pending[dest] = remaining
	}
	return drained
}

// Expired is a destination with options whose deadline has passed,
// returned by Timeout for the caller to flush as a standalone frame.
type Expired struct {
	Dest    common.Addr
	Options []wire.Option
}

// Timeout sweeps every destination for options past their deadline
// (spec.md §4.8 "timeout(now) periodically flushes expired entries by
// generating a standalone empty-payload frame carrying only the
// options"). Expired options are removed from the pending set; the
// caller is responsible for rate-limiting the resulting standalone
// frames.
func (c *Coalescer) Timeout(now common.Tick) []Expired {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []Expired
	for dest, pending := range c.pending {
		var due []wire.Option
		var remaining []*entry
		for _, e := range pending {
			if e.deadline <= now {
				due = append(due, e.opt)
			} else {
				remaining = append(remaining, e)
			}
		}
		if len(due) == 0 {
			continue
		}
		result = append(result, Expired{Dest: dest, Options: due})
		if len(remaining) == 0 {
			delete(c.pending, dest)
		} else {
			c.pending[dest] = remaining
		}
	}
	return result
}

// Pending reports how many options are currently queued for dest.
func (c *Coalescer) Pending(dest common.Addr) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[dest])
}
