package storagecore

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerPoolSubmitWait(t *testing.T) {
	pool := NewPool(2)
	defer pool.Stop()

	var n int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			mu.Lock()
			n++
			mu.Unlock()
		})
	}
	wg.Wait()
	if n != 20 {
		t.Fatalf("n = %d, want 20", n)
	}
}

func TestWorkerPoolSubmitWaitBlocksUntilDone(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	done := false
	pool.SubmitWait(func() { done = true })
	if !done {
		t.Fatal("SubmitWait returned before the task ran")
	}
}

func TestBTreeVerifyAsync(t *testing.T) {
	bt, s := newTestBTree(t)
	tx := NewTransaction(1)
	for k := uint32(0); k < 200; k++ {
		if err := bt.Insert(tx, Entry{Key: k, PageID: PageID(k), AreaID: 0}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if err := s.Flush(tx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pool := NewPool(2)
	defer pool.Stop()

	resultChan := make(chan error, 1)
	bt.VerifyAsync(pool, nil, func(err error) { resultChan <- err })

	select {
	case err := <-resultChan:
		if err != nil {
			t.Fatalf("VerifyAsync reported: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("VerifyAsync never called done")
	}
}

func TestVacuumCheck(t *testing.T) {
	cfg := Config{VacuumThreshold: 10}
	if VacuumCheck(cfg, 9) {
		t.Fatal("VacuumCheck(9) with threshold 10 = true, want false")
	}
	if VacuumCheck(cfg, 10) {
		t.Fatal("VacuumCheck(10) with threshold 10 = true, want false (not above)")
	}
	if !VacuumCheck(cfg, 11) {
		t.Fatal("VacuumCheck(11) with threshold 10 = false, want true")
	}
	if VacuumCheck(Config{}, 1_000_000) {
		t.Fatal("VacuumCheck with zero threshold = true, want false (disabled)")
	}
}

func TestScheduleVacuumChecks(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	cfg := Config{VacuumThreshold: 5}
	dueChan := make(chan bool, 1)
	ScheduleVacuumChecks(pool, cfg, func() (uint32, error) { return 7, nil }, func(due bool, err error) {
		if err != nil {
			t.Errorf("count error: %v", err)
		}
		dueChan <- due
	})

	select {
	case due := <-dueChan:
		if !due {
			t.Fatal("ScheduleVacuumChecks reported due=false for count 7 over threshold 5")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ScheduleVacuumChecks never called due")
	}
}
