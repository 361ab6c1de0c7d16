package filestore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitManager(t *testing.T) {
	t.Parallel()

	var m SubmitManager
	m.Init(5)

	var mu sync.Mutex
	var order []uint64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			seq := m.Begin()
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			m.End(seq)
		}()
	}
	wg.Wait()

	require.Len(t, order, 20)
	require.IsIncreasing(t, order)
	require.Equal(t, uint64(6), order[0])
	require.Equal(t, uint64(25), m.LastSubmitted())
}
