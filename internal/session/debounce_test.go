package session

import (
	"sync"
	"testing"
	"time"
)

func TestDebounceFiresOnce(t *testing.T) {
	var timer finalizeTimer
	fired := make(chan uint64, 4)

	timer.arm(20*time.Millisecond, func(gen uint64) {
		fired <- gen
	})

	select {
	case gen := <-fired:
		if !timer.pending(gen) {
			t.Fatal("undisturbed firing must still be pending")
		}
		timer.consume()
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	select {
	case <-fired:
		t.Fatal("timer fired twice")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestDebounceRearmReplacesPending(t *testing.T) {
	var mu sync.Mutex
	var timer finalizeTimer
	var delivered []uint64

	fn := func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if timer.pending(gen) {
			timer.consume()
			delivered = append(delivered, gen)
		}
	}

	mu.Lock()
	timer.arm(30*time.Millisecond, fn)
	timer.arm(30*time.Millisecond, fn)
	timer.arm(30*time.Millisecond, fn)
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(delivered))
	}
}

func TestDebounceCancel(t *testing.T) {
	var mu sync.Mutex
	var timer finalizeTimer
	fired := 0

	mu.Lock()
	timer.arm(20*time.Millisecond, func(gen uint64) {
		mu.Lock()
		defer mu.Unlock()
		if timer.pending(gen) {
			timer.consume()
			fired++
		}
	})
	timer.cancel()
	timer.cancel()
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("cancelled timer must not deliver, got %d", fired)
	}
}

func TestDebounceStaleGeneration(t *testing.T) {
	var timer finalizeTimer

	timer.arm(time.Hour, func(uint64) {})
	stale := timer.gen
	timer.arm(time.Hour, func(uint64) {})
	defer timer.cancel()

	if timer.pending(stale) {
		t.Fatal("replaced firing must not be pending")
	}
	if !timer.pending(timer.gen) {
		t.Fatal("latest firing must be pending")
	}
}
