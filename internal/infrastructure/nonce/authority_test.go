package nonce

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextConcurrentStrictlyIncreasing(t *testing.T) {
	a := NewAuthority(t.TempDir(), zap.NewNop())
	const workers = 8
	const perWorker = 150

	// Any value published to highest came from a call that finished before the
	// next call started, so every later result must exceed it.
	var highest atomic.Int64
	perGoroutine := make([][]int64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				floor := highest.Load()
				v, err := a.Next("kraken:master")
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, v, floor)
				perGoroutine[w] = append(perGoroutine[w], v)
				for {
					cur := highest.Load()
					if v <= cur || highest.CompareAndSwap(cur, v) {
						break
					}
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for w, seq := range perGoroutine {
		require.Len(t, seq, perWorker)
		for i, v := range seq {
			if i > 0 {
				require.Greater(t, v, seq[i-1], "worker %d index %d", w, i)
			}
			_, dup := seen[v]
			require.False(t, dup, "duplicate nonce %d", v)
			seen[v] = struct{}{}
		}
	}
	last, err := a.Last("kraken:master")
	require.NoError(t, err)
	assert.Equal(t, highest.Load(), last)
}

func TestNextConcurrentNoDuplicates(t *testing.T) {
	a := NewAuthority(t.TempDir(), zap.NewNop())
	results := make(chan int64, 1000)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v, err := a.Next("coinbase:user:u1")
				assert.NoError(t, err)
				results <- v
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]struct{}, 1000)
	var highest int64
	for v := range results {
		_, dup := seen[v]
		require.False(t, dup, "duplicate nonce %d", v)
		seen[v] = struct{}{}
		if v > highest {
			highest = v
		}
	}
	assert.Len(t, seen, 1000)
	last, err := a.Last("coinbase:user:u1")
	require.NoError(t, err)
	assert.Equal(t, highest, last)
}

func TestNextSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	a := NewAuthority(dir, zap.NewNop())
	future := time.Now().Add(time.Hour)
	a.now = func() time.Time { return future }

	before, err := a.Next("kraken:master")
	require.NoError(t, err)

	restarted := NewAuthority(dir, zap.NewNop())
	after, err := restarted.Next("kraken:master")
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestJumpForward(t *testing.T) {
	a := NewAuthority(t.TempDir(), zap.NewNop())
	before, err := a.Next("kraken:user:bob")
	require.NoError(t, err)

	require.NoError(t, a.JumpForward("kraken:user:bob", 120_000))
	after, err := a.Next("kraken:user:bob")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after-before, int64(120_000*time.Millisecond))
}

func TestAccountsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	a := NewAuthority(dir, zap.NewNop())
	require.NoError(t, a.JumpForward("kraken:user:a", 3_600_000))

	jumped, err := a.Last("kraken:user:a")
	require.NoError(t, err)
	other, err := a.Next("kraken:user:b")
	require.NoError(t, err)
	assert.Less(t, other, jumped)

	_, err = os.Stat(filepath.Join(dir, "kraken_user_a.nonce"))
	assert.NoError(t, err)
}

func TestCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kraken_master.nonce"), []byte("garbage"), 0o600))
	a := NewAuthority(dir, zap.NewNop())
	_, err := a.Next("kraken:master")
	assert.Error(t, err)
}
