package dmcrypt

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errDummy = errors.New("dummy submit failure")

func TestWriteSequencerOrdersBySector(t *testing.T) {
	var mu sync.Mutex
	var order []uint64
	submit := func(wc *writeClone) error {
		mu.Lock()
		order = append(order, wc.sector)
		mu.Unlock()
		return nil
	}
	seq := newWriteSequencer(submit)
	defer seq.Stop()

	ctx1 := &ioContext{}
	ctx1.pending = 1
	ctx2 := &ioContext{}
	ctx2.pending = 1

	// Enqueue out of order (sector 17 then sector 2); drain must still
	// visit sector 2 before sector 17.
	seq.Enqueue(&writeClone{sector: 17, ctx: ctx1})
	seq.Enqueue(&writeClone{sector: 2, ctx: ctx2})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("write sequencer never drained both clones")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 2 || order[1] != 17 {
		t.Fatalf("drain order = %v, want [2 17]", order)
	}
}

func TestWriteSequencerPropagatesSubmitError(t *testing.T) {
	wantErr := NewIOError("write", 0, errDummy)
	seq := newWriteSequencer(func(wc *writeClone) error { return wantErr })
	defer seq.Stop()

	ctx := &ioContext{}
	ctx.pending = 1
	done := make(chan struct{})
	ctx.onDone = func(*ioContext) { close(done) }

	seq.Enqueue(&writeClone{sector: 1, ctx: ctx})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onDone was never called")
	}
	if ctx.Err() == nil {
		t.Fatal("expected the submit error to be recorded on the context")
	}
}

func TestWriteSequencerStopDrainsPending(t *testing.T) {
	var mu sync.Mutex
	var got []uint64
	seq := newWriteSequencer(func(wc *writeClone) error {
		mu.Lock()
		got = append(got, wc.sector)
		mu.Unlock()
		return nil
	})

	ctx := &ioContext{}
	ctx.pending = 1
	seq.Enqueue(&writeClone{sector: 3, ctx: ctx})
	seq.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("Stop must drain anything still queued, got %v", got)
	}
}
