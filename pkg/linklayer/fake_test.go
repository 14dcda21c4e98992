package linklayer

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/lqsrnet/meshcore/pkg/common"
)

type recordingCallbacks struct {
	mu       sync.Mutex
	received [][]byte
	froms    []common.Addr
}

func (r *recordingCallbacks) OnSubmitDone(id FrameID, status SubmitStatus) {}
func (r *recordingCallbacks) OnReceive(iface common.IfIndex, from common.Addr, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, frame)
	r.froms = append(r.froms, from)
}
func (r *recordingCallbacks) OnInterfaceAdded(info InterfaceInfo) {}
func (r *recordingCallbacks) OnInterfaceRemoved(iface common.IfIndex) {}

func (r *recordingCallbacks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func addr(b byte) common.Addr { return common.Addr{0, 0, 0, 0, 0, b} }

func TestFakeLinkLayerDeliversToPeers(t *testing.T) {
	medium := NewMedium()
	rng := rand.New(rand.NewSource(1))

	a := NewFakeLinkLayer(medium, addr(1), rng)
	b := NewFakeLinkLayer(medium, addr(2), rng)

	cbA := &recordingCallbacks{}
	cbB := &recordingCallbacks{}
	a.SetCallbacks(cbA)
	b.SetCallbacks(cbB)

	a.AddInterface(InterfaceInfo{Index: 0})
	b.AddInterface(InterfaceInfo{Index: 0})

	if _, err := a.Submit(0, []byte("hello")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if cbB.count() != 1 {
		t.Fatalf("b received %d frames, want 1", cbB.count())
	}
	if cbA.count() != 0 {
		t.Fatalf("a should not receive its own submission, got %d", cbA.count())
	}
	if cbB.froms[0] != addr(1) {
		t.Fatalf("from = %v, want %v", cbB.froms[0], addr(1))
	}
}

func TestFakeLinkLayerSubmitWithoutInterfaceFails(t *testing.T) {
	medium := NewMedium()
	a := NewFakeLinkLayer(medium, addr(1), rand.New(rand.NewSource(1)))
	if _, err := a.Submit(0, []byte("x")); err == nil {
		t.Fatal("expected error submitting on an unbound interface")
	}
}

func TestFakeLinkLayerDropRatioZeroAlwaysDelivers(t *testing.T) {
	medium := NewMedium()
	rng := rand.New(rand.NewSource(42))

	a := NewFakeLinkLayer(medium, addr(1), rng)
	b := NewFakeLinkLayer(medium, addr(2), rng)
	cbB := &recordingCallbacks{}
	b.SetCallbacks(cbB)
	a.AddInterface(InterfaceInfo{Index: 0})
	b.AddInterface(InterfaceInfo{Index: 0})

	for i := 0; i < 20; i++ {
		a.Submit(0, []byte("x"))
	}
	if cbB.count() != 20 {
		t.Fatalf("received %d, want 20 with zero drop ratio", cbB.count())
	}
}

func TestFakeLinkLayerDropRatioOneNeverDelivers(t *testing.T) {
	medium := NewMedium()
	rng := rand.New(rand.NewSource(42))

	a := NewFakeLinkLayer(medium, addr(1), rng)
	b := NewFakeLinkLayer(medium, addr(2), rng)
	cbB := &recordingCallbacks{}
	b.SetCallbacks(cbB)
	a.AddInterface(InterfaceInfo{Index: 0})
	b.AddInterface(InterfaceInfo{Index: 0})
	b.SetDropRatio(addr(1), 1.0)

	for i := 0; i < 20; i++ {
		a.Submit(0, []byte("x"))
	}
	if cbB.count() != 0 {
		t.Fatalf("received %d, want 0 with drop ratio 1.0", cbB.count())
	}
}

func TestFakeLinkLayerInterfaceLifecycleCallbacks(t *testing.T) {
	medium := NewMedium()
	a := NewFakeLinkLayer(medium, addr(1), rand.New(rand.NewSource(1)))

	var added, removed int
	cb := &lifecycleCallbacks{
		onAdded:   func(InterfaceInfo) { added++ },
		onRemoved: func(common.IfIndex) { removed++ },
	}
	a.SetCallbacks(cb)

	a.AddInterface(InterfaceInfo{Index: 3})
	a.RemoveInterface(3)

	if added != 1 || removed != 1 {
		t.Fatalf("added=%d removed=%d, want 1,1", added, removed)
	}
}

type lifecycleCallbacks struct {
	onAdded   func(InterfaceInfo)
	onRemoved func(common.IfIndex)
}

func (l *lifecycleCallbacks) OnSubmitDone(id FrameID, status SubmitStatus)            {}
func (l *lifecycleCallbacks) OnReceive(common.IfIndex, common.Addr, []byte)           {}
func (l *lifecycleCallbacks) OnInterfaceAdded(info InterfaceInfo)                     { l.onAdded(info) }
func (l *lifecycleCallbacks) OnInterfaceRemoved(iface common.IfIndex)                 { l.onRemoved(iface) }
