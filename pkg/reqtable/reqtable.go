// Package reqtable implements the request table of spec.md §4.5:
// per-target exponential backoff for originated Route Requests, and a
// per-source duplicate-suppression ring for requests we forward.
// Grounded on
// _examples/original_source/Etx/src/mcl/sys/reqtable.c/.h
// (ReqTableSendP backoff doubling, ReqTableElementSuppress's victim-ring
// suppression).
package reqtable

import (
	"sync"

	"github.com/lqsrnet/meshcore/pkg/common"
)

// NumDuplicateSuppress is the size of each source's suppression ring
// (reqtable.h: "NUM_DUPLICATE_SUPPRESS 64").
const NumDuplicateSuppress = 64

// FirstBackoff and MaxBackoff bound the exponential backoff applied to
// repeated Route Requests for the same target (spec.md §4.5). The
// original's FIRST_BACKOFF/MAX_BACKOFF constants were not present in
// the retrieved source; these mirror the MCL defaults of a 500ms first
// retry doubling up to a 10s ceiling.
const (
	FirstBackoff common.Tick = 500 * 10_000 // 500ms in 100ns ticks
	MaxBackoff   common.Tick = 10 * common.TicksPerSecond
)

type suppressEntry struct {
	target   common.Addr
	id       uint32
	lastUsed common.Tick
	used     bool
}

// element is the per-target/per-source state bucket, keyed by address
// (reqtable.h's RequestTableElement; one element serves both roles since
// a node is a Route Request source and a Route Request target from
// different vantage points).
type element struct {
	addr     common.Addr
	lastUsed common.Tick

	lastReq common.Tick
	backoff uint32
	nextID  uint32

	victim   int
	suppress [NumDuplicateSuppress]suppressEntry
}

// Table is the forwarded-request table (spec.md §4.5). Size bounds the
// number of distinct target/source addresses tracked; the oldest
// (by lastUsed) element is evicted to make room for a new one.
type Table struct {
	mu       sync.Mutex
	maxSize  int
	elements map[common.Addr]*element

	minElementReuse  common.Tick
	minSuppressReuse common.Tick
}

// New constructs a request table bounded to maxSize distinct addresses.
func New(maxSize int) *Table {
	return &Table{maxSize: maxSize, elements: make(map[common.Addr]*element)}
}

func (t *Table) find(addr common.Addr, now common.Tick) *element {
	if e, ok := t.elements[addr]; ok {
		e.lastUsed = now
		return e
	}
	if t.maxSize > 0 && len(t.elements) >= t.maxSize {
		t.evictLRU(now)
	}
	e := &element{addr: addr, lastUsed: now}
	t.elements[addr] = e
	return e
}

func (t *Table) evictLRU(now common.Tick) {
	var oldestAddr common.Addr
	var oldest common.Tick = -1
	for a, e := range t.elements {
		if oldest == -1 || e.lastUsed < oldest {
			oldest = e.lastUsed
			oldestAddr = a
		}
	}
	if oldest != -1 {
		if unused := now - oldest; unused < t.minElementReuse || t.minElementReuse == 0 {
			t.minElementReuse = unused
		}
		delete(t.elements, oldestAddr)
	}
}

// Identifier allocates the next Route Request identifier for a target,
// without consulting backoff (spec.md §4.5 "ReqTableIdentifier").
func (t *Table) Identifier(target common.Addr, now common.Tick) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(target, now)
	id := e.nextID
	e.nextID++
	return id
}

// ShouldSend decides whether a Route Request for target may be sent
// now, applying exponential backoff since the last request (spec.md
// §4.5 "ReqTableSendP"). On success it returns the identifier to use
// and records the attempt.
func (t *Table) ShouldSend(target common.Addr, now common.Tick) (id uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(target, now)

	if e.backoff > 0 {
		timeout := FirstBackoff << (e.backoff - 1)
		if timeout > MaxBackoff || timeout <= 0 {
			timeout = MaxBackoff
		}
		if e.lastReq+timeout > now {
			return 0, false
		}
	}

	e.lastReq = now
	e.backoff++
	id = e.nextID
	e.nextID++
	return id, true
}

// ReceivedReply resets a target's backoff state after a Route Reply
// arrives (spec.md §4.5 "Backoff reset to 0 on Route Reply").
func (t *Table) ReceivedReply(target common.Addr, now common.Tick) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(target, now)
	e.backoff = 0
}

// Suppress checks whether source has already forwarded a Request for
// (target, identifier), recording the pair either way (spec.md §4.5
// "ReqTableSuppress"): true means the caller must NOT rebroadcast.
func (t *Table) Suppress(source, target common.Addr, identifier uint32, now common.Tick) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.find(source, now)

	for i := range e.suppress {
		s := &e.suppress[i]
		if s.used && s.id == identifier && s.target == target {
			s.lastUsed = now
			return true
		}
	}

	i := e.victim
	e.victim = (e.victim + 1) % NumDuplicateSuppress
	victim := &e.suppress[i]
	if victim.used {
		if unused := now - victim.lastUsed; t.minSuppressReuse == 0 || unused < t.minSuppressReuse {
			t.minSuppressReuse = unused
		}
	}
	victim.target = target
	victim.id = identifier
	victim.lastUsed = now
	victim.used = true
	return false
}
