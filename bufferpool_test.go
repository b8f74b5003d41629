package dmcrypt

import (
	"sync"
	"testing"
	"time"
)

func TestPagePoolAcquireReleaseRoundTrip(t *testing.T) {
	p := newPagePool(minPoolPages*100, 1)
	pg, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse())
	}
	pg.buf[0] = 0xff
	p.Release(pg)
	if p.InUse() != 0 {
		t.Fatalf("InUse after release = %d, want 0", p.InUse())
	}
	if pg.buf[0] != 0 {
		t.Fatal("Release must clear the returned buffer")
	}
}

func TestPagePoolQuotaFlooredAtMinimum(t *testing.T) {
	p := newPagePool(0, 1)
	if p.quota != minPoolPages {
		t.Fatalf("quota = %d, want floor of %d", p.quota, minPoolPages)
	}
}

func TestPagePoolSlowPathBlocksUntilRelease(t *testing.T) {
	p := newPagePool(minPoolPages, 1) // quota == minPoolPages
	held := make([]*page, 0, minPoolPages)
	for i := 0; i < int(minPoolPages); i++ {
		pg, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, pg)
	}

	acquired := make(chan *page, 1)
	go func() {
		pg, err := p.Acquire()
		if err != nil {
			return
		}
		acquired <- pg
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire should have blocked with the pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(held[0])

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire never woke up after a Release")
	}
}

func TestPagePoolCloseUnblocksWaiters(t *testing.T) {
	p := newPagePool(minPoolPages, 1)
	held := make([]*page, 0, minPoolPages)
	for i := 0; i < int(minPoolPages); i++ {
		pg, _ := p.Acquire()
		held = append(held, pg)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error from Acquire after pool close")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the waiting Acquire")
	}
}

func TestAcquireReleasePagesMultiPage(t *testing.T) {
	p := newPagePool(minPoolPages*10, 1)
	pages, buf, err := p.AcquirePages(pageSize*2 + 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 backing pages, got %d", len(pages))
	}
	if len(buf) != pageSize*2+100 {
		t.Fatalf("buf length = %d, want %d", len(buf), pageSize*2+100)
	}
	p.ReleasePages(pages)
	if p.InUse() != 0 {
		t.Fatalf("InUse after ReleasePages = %d, want 0", p.InUse())
	}
}

func TestDescPoolGetReset(t *testing.T) {
	d := newDescPool(16)
	req := d.Get(16)
	req.sector = 42
	d.Put(req)

	req2 := d.Get(16)
	if req2.sector != 0 {
		t.Fatal("Get must return a reset request")
	}
}

func TestPagePoolConcurrentAcquireNoDeadlock(t *testing.T) {
	p := newPagePool(minPoolPages, 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pg, err := p.Acquire()
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(pg)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent acquire/release deadlocked")
	}
}
