package dmcrypt

import (
	"container/heap"
	"sync"
)

// writeClone is one completed write ready for submission to the
// underlying device, ordered by its starting logical sector.
type writeClone struct {
	sector uint64
	data   []byte
	ctx    *ioContext
}

// sectorHeap is a container/heap min-heap keyed by sector — the idiomatic
// Go stand-in for a balanced tree keyed by logical sector; any ordered
// structure allowing take-minimum + erase during walk works equally well.
type sectorHeap []*writeClone

func (h sectorHeap) Len() int            { return len(h) }
func (h sectorHeap) Less(i, j int) bool  { return h[i].sector < h[j].sector }
func (h sectorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sectorHeap) Push(x any)         { *h = append(*h, x.(*writeClone)) }
func (h *sectorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// writeSequencer is component F: a dedicated goroutine that owns a
// sector-ordered heap. Completed clones are inserted under a mutex; the
// goroutine is woken, atomically swaps the live heap out for an empty one,
// then drains the stolen heap in ascending-sector order without holding
// the lock — matching the spec's "walk the stolen tree" discipline so
// submission (which may release the enclosing context) never races a
// concurrent insert.
type writeSequencer struct {
	submit func(*writeClone) error

	mu   sync.Mutex
	live *sectorHeap
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriteSequencer(submit func(*writeClone) error) *writeSequencer {
	h := &sectorHeap{}
	heap.Init(h)
	s := &writeSequencer{
		submit: submit,
		live:   h,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue inserts wc under the spinlock-equivalent mutex and wakes the
// drain goroutine. Never blocks on I/O.
func (s *writeSequencer) Enqueue(wc *writeClone) {
	s.mu.Lock()
	heap.Push(s.live, wc)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *writeSequencer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			s.drainOnce() // final drain so nothing enqueued just before Stop is lost
			return
		case <-s.wake:
			s.drainOnce()
		}
	}
}

// drainOnce atomically swaps the live heap for a fresh empty one, then
// walks the stolen heap taking only the minimum each step — the Go
// equivalent of "rb_next cannot be used because submission may free the
// enclosing context."
func (s *writeSequencer) drainOnce() {
	s.mu.Lock()
	stolen := s.live
	s.live = &sectorHeap{}
	heap.Init(s.live)
	s.mu.Unlock()

	for stolen.Len() > 0 {
		wc := heap.Pop(stolen).(*writeClone)
		if err := s.submit(wc); err != nil {
			wc.ctx.setErr(err)
		}
		wc.ctx.checkDone()
	}
}

// Stop halts the drain goroutine after one final pass over anything still
// queued, matching destroy's "stops the sequencer thread, drains both
// pools" ordering.
func (s *writeSequencer) Stop() {
	close(s.stop)
	<-s.done
}
