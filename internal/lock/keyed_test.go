package lock

import (
	"sync"
	"testing"
	"time"
)

func TestKeyed_TryLock(t *testing.T) {
	var k Keyed

	unlock, ok := k.TryLock(1)
	if !ok {
		t.Fatal("Expected first TryLock to succeed")
	}
	if _, ok := k.TryLock(1); ok {
		t.Error("Expected second TryLock on the same key to fail")
	}
	other, ok := k.TryLock(2)
	if !ok {
		t.Error("Expected TryLock on another key to succeed")
	}
	other()

	unlock()
	if k.Held(1) {
		t.Error("Expected key to be released")
	}
	unlock, ok = k.TryLock(1)
	if !ok {
		t.Fatal("Expected TryLock after unlock to succeed")
	}
	unlock()
}

func TestKeyed_LockSerializes(t *testing.T) {
	var k Keyed
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("Expected at most one holder at a time, got %d", maxActive)
	}
	if k.Held(7) {
		t.Error("Expected no entries after all holders finished")
	}
}
