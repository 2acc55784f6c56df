package netutil_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/internal/netutil"
)

func TestLazyComputesOnce(t *testing.T) {
	var calls int32
	l := netutil.NewLazy(func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Get()
			require.NoError(t, err)
			require.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLazyMemoizesError(t *testing.T) {
	l := netutil.NewLazy(func() (int, error) {
		return 0, errors.New("boom")
	})
	_, err := l.Get()
	require.EqualError(t, err, "boom")
	_, err = l.Get()
	require.EqualError(t, err, "boom")
}

func TestLazyResetRecomputes(t *testing.T) {
	var calls int32
	l := netutil.NewLazy(func() (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	})

	v1, err := l.Get()
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	l.Reset()
	v2, err := l.Get()
	require.NoError(t, err)
	require.Equal(t, 2, v2)
}
