package conns

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Unit Tests ---

func TestRegistry_ClaimAndLookup(t *testing.T) {
	r := New(4)

	_, moved, err := r.Claim("c1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, moved)

	host, ok := r.HostForConnection("c1")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 1, r.CountForHost("10.0.0.1"))
	assert.Equal(t, []string{"c1"}, r.ConnectionsForHost("10.0.0.1"))
}

func TestRegistry_ClaimInvalid(t *testing.T) {
	r := New(4)

	_, _, err := r.Claim("", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidConnection)

	_, _, err = r.Claim("c1", "")
	assert.ErrorIs(t, err, ErrInvalidHost)

	conns, hosts := r.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, hosts)
}

func TestRegistry_ReclaimSameHostIsNoop(t *testing.T) {
	r := New(4)

	_, _, err := r.Claim("c1", "h1")
	require.NoError(t, err)
	_, moved, err := r.Claim("c1", "h1")
	require.NoError(t, err)

	assert.False(t, moved)
	assert.Equal(t, 1, r.CountForHost("h1"))
}

func TestRegistry_ReclaimDifferentHost(t *testing.T) {
	r := New(4)

	_, _, err := r.Claim("c1", "h1")
	require.NoError(t, err)

	released, moved, err := r.Claim("c1", "h2")
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, "h1", released.Host)
	assert.True(t, released.Last)
	assert.Zero(t, released.Remaining)

	assert.Zero(t, r.CountForHost("h1"))
	assert.Equal(t, 1, r.CountForHost("h2"))
	host, _ := r.HostForConnection("c1")
	assert.Equal(t, "h2", host)
}

func TestRegistry_ReclaimKeepsOtherConnections(t *testing.T) {
	r := New(4)

	_, _, _ = r.Claim("c1", "h1")
	_, _, _ = r.Claim("c2", "h1")

	released, moved, err := r.Claim("c1", "h2")
	require.NoError(t, err)
	require.True(t, moved)
	assert.False(t, released.Last)
	assert.Equal(t, 1, released.Remaining)
	assert.Equal(t, []string{"c2"}, r.ConnectionsForHost("h1"))
}

func TestRegistry_Release(t *testing.T) {
	r := New(4)

	_, _, _ = r.Claim("c1", "h1")
	_, _, _ = r.Claim("c2", "h1")

	released, ok := r.Release("c1")
	require.True(t, ok)
	assert.Equal(t, "h1", released.Host)
	assert.False(t, released.Last)
	assert.Equal(t, 1, released.Remaining)

	released, ok = r.Release("c2")
	require.True(t, ok)
	assert.True(t, released.Last)
	assert.Zero(t, r.CountForHost("h1"))
	assert.Empty(t, r.ConnectionsForHost("h1"))

	// Second release of the same connection is reported as absent.
	_, ok = r.Release("c2")
	assert.False(t, ok)
}

func TestRegistry_UnknownLookups(t *testing.T) {
	r := New(0)

	_, ok := r.HostForConnection("nope")
	assert.False(t, ok)
	assert.Zero(t, r.CountForHost("nope"))
	assert.Empty(t, r.ConnectionsForHost("nope"))
	_, ok = r.Release("nope")
	assert.False(t, ok)
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := New(4)
	_, _, _ = r.Claim("c1", "h1")

	snapshot := r.ConnectionsForHost("h1")
	snapshot[0] = "mutated"

	assert.Equal(t, []string{"c1"}, r.ConnectionsForHost("h1"))
}

func TestRegistry_Stats(t *testing.T) {
	r := New(8)
	_, _, _ = r.Claim("c1", "h1")
	_, _, _ = r.Claim("c2", "h1")
	_, _, _ = r.Claim("c3", "h2")

	conns, hosts := r.Stats()
	assert.Equal(t, 3, conns)
	assert.Equal(t, 2, hosts)
}

// --- Concurrency Tests ---

func TestRegistry_ConcurrentLastRelease(t *testing.T) {
	r := New(16)
	const n = 64

	for i := 0; i < n; i++ {
		_, _, err := r.Claim(fmt.Sprintf("c%d", i), "shared")
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		last int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			released, ok := r.Release(fmt.Sprintf("c%d", i))
			if ok && released.Last {
				mu.Lock()
				last++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, last, "exactly one release must observe the host reaching zero")
	assert.Zero(t, r.CountForHost("shared"))
}

func TestRegistry_ConcurrentMixedHosts(t *testing.T) {
	r := New(8)
	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			connID := fmt.Sprintf("w%d", w)
			for i := 0; i < perWorker; i++ {
				host := fmt.Sprintf("h%d", i%3)
				_, _, _ = r.Claim(connID, host)
				if i%5 == 0 {
					r.Release(connID)
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 3; i++ {
		total += r.CountForHost(fmt.Sprintf("h%d", i))
	}
	conns, _ := r.Stats()
	assert.Equal(t, conns, total)
	for w := 0; w < workers; w++ {
		host, ok := r.HostForConnection(fmt.Sprintf("w%d", w))
		if ok {
			assert.Contains(t, r.ConnectionsForHost(host), fmt.Sprintf("w%d", w))
		}
	}
}
