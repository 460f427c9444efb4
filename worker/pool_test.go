package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewPool(4, 16)
	pool.Start(context.Background())

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
	}
	wg.Wait()
	pool.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&counter))
}

func TestPoolTrySubmitFullQueue(t *testing.T) {
	pool := NewPool(1, 1)
	// Not started: nothing drains the queue, so the second submit must
	// report back-pressure instead of blocking.
	assert.True(t, pool.TrySubmit(func() {}))
	assert.False(t, pool.TrySubmit(func() {}))
}
