package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocksSerializePerKey(t *testing.T) {
	locks := NewKeyedLocks()

	var mu sync.Mutex
	events := []int{}
	record := func(n int) {
		mu.Lock()
		events = append(events, n)
		mu.Unlock()
	}

	unlock := locks.Lock("wi-1")
	done := make(chan struct{})
	go func() {
		inner := locks.Lock("wi-1")
		record(2)
		inner()
		close(done)
	}()

	record(1)
	unlock()
	<-done

	assert.Equal(t, []int{1, 2}, events)
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := NewKeyedLocks()

	unlock1 := locks.Lock("a")
	defer unlock1()

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		unlock2 := locks.Lock("b")
		unlock2()
		close(done)
	}()
	<-done
}

func TestKeyedLocksSharedReaders(t *testing.T) {
	locks := NewKeyedLocks()

	r1 := locks.RLock("a")
	r2 := locks.RLock("a") // concurrent readers don't block each other
	r1()
	r2()

	w := locks.Lock("a")
	w()
}

func TestKeyedLocksCleanUpEntries(t *testing.T) {
	locks := NewKeyedLocks()
	unlock := locks.Lock("a")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks, "released keys leave no residue")
}
