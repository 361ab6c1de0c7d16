package filestore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	processed := map[int]int{}

	p := newWorkerPool(func(s *OpSequencer) {
		mu.Lock()
		defer mu.Unlock()
		processed[s.ID()]++
	})
	p.start(3)

	sequencers := []*OpSequencer{newOpSequencer(0, testPG), newOpSequencer(1, testOther)}
	for i := 0; i < 10; i++ {
		p.enqueue(sequencers[i%2])
	}

	p.drain()
	require.Equal(t, map[int]int{0: 5, 1: 5}, processed)

	p.pause()
	p.enqueue(sequencers[0])
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	require.Equal(t, 5, processed[0], "paused pools pick up nothing")
	mu.Unlock()

	p.unpause()
	p.stop()
	require.Equal(t, 6, processed[0], "stopping applies the queued batches")
}
