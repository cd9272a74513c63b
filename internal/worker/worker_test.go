package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_SameKeyRunsInOrder(t *testing.T) {
	m := NewManager(context.Background())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		require.True(t, m.Submit("a", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	m.Wait()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, m.Active())
}

func TestSubmit_SameKeyNeverOverlaps(t *testing.T) {
	m := NewManager(context.Background())

	var inside, overlaps atomic.Int32
	for i := 0; i < 20; i++ {
		m.Submit("a", func(context.Context) error {
			if inside.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			return nil
		})
	}
	m.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestSubmit_DifferentKeysRunConcurrently(t *testing.T) {
	m := NewManager(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	m.Submit("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan struct{})
	m.Submit("fast", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job on another key waited for the slow key")
	}
	close(release)
	m.Wait()
}

func TestSubmit_ErrorsReported(t *testing.T) {
	var mu sync.Mutex
	failed := map[string]error{}
	m := NewManager(context.Background(), WithErrorHandler(func(key string, err error) {
		mu.Lock()
		failed[key] = err
		mu.Unlock()
	}))

	boom := errors.New("disk full")
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		m.Submit(key, func(context.Context) error {
			if key == "k1" {
				return boom
			}
			return nil
		})
	}
	m.Wait()

	assert.Len(t, failed, 1)
	assert.ErrorIs(t, failed["k1"], boom)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	m := NewManager(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		m.Submit("a", func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	m.Close()

	assert.Equal(t, int32(5), ran.Load())
	assert.False(t, m.Submit("a", func(context.Context) error { return nil }))
}

func TestWait_ConcurrentWithSubmit(t *testing.T) {
	m := NewManager(context.Background())

	const submitters, perSubmitter = 4, 200
	var ran atomic.Int32
	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				m.Submit(fmt.Sprintf("k%d", i%8), func(context.Context) error {
					ran.Add(1)
					return nil
				})
			}
		}()
	}
	waited := make(chan struct{})
	go func() {
		defer close(waited)
		for i := 0; i < 20; i++ {
			m.Wait()
		}
	}()

	wg.Wait()
	m.Wait()
	assert.Equal(t, int32(submitters*perSubmitter), ran.Load())
	assert.Equal(t, 0, m.Active())
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent Wait never returned")
	}
}
