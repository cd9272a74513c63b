package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SameKeySerializes(t *testing.T) {
	var km KeyedMutex
	var inside, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			defer unlock()
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_DifferentKeysInterleave(t *testing.T) {
	var km KeyedMutex
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	assert.Equal(t, 1, km.Len())
}

func TestClampOpacity(t *testing.T) {
	assert.Equal(t, 0.0, ClampOpacity(-1))
	assert.Equal(t, 0.4, ClampOpacity(0.4))
	assert.Equal(t, 1.0, ClampOpacity(3))
}
