package portpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveAll(p *Pool, n int) []int {
	got := make([]int, 0, n)
	for range n {
		got = append(got, p.ReserveNextPort())
	}
	return got
}

func TestReserveOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec string
		want []int
	}{
		{"single", "123", []int{123, NoPort}},
		{"closed range", "123-125", []int{123, 124, 125, NoPort}},
		{"list keeps written order", "123, 789, 456", []int{123, 789, 456, NoPort}},
		{"open lower bound", "9, -3", []int{9, 1, 2, 3, NoPort}},
		{"open upper bound", "65533-", []int{65533, 65534, 65535, NoPort}},
		{"overlapping ranges", "123-125,124-126", []int{123, 124, 125, 126, NoPort}},
		{"whitespace separated", "10 11\t12", []int{10, 11, 12, NoPort}},
		{"empty", "", []int{NoPort, NoPort}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.spec, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reserveAll(p, len(tt.want)))
		})
	}
}

func TestUnrestricted(t *testing.T) {
	t.Parallel()

	p, err := New("0", false)
	require.NoError(t, err)
	assert.True(t, p.Unrestricted())

	for range 100 {
		assert.Equal(t, 0, p.ReserveNextPort())
	}
	p.ReleasePort(0)
	assert.Equal(t, 0, p.Reserved())
	assert.Equal(t, 0, p.ReserveNextPort())
}

func TestReleaseMakesPortReservable(t *testing.T) {
	t.Parallel()

	p, err := New("123,456,789", false)
	require.NoError(t, err)

	assert.Equal(t, 123, p.ReserveNextPort())
	assert.Equal(t, 456, p.ReserveNextPort())
	p.ReleasePort(456)
	assert.False(t, p.IsReserved(456))

	assert.Equal(t, 456, p.ReserveNextPort())
	assert.Equal(t, 789, p.ReserveNextPort())
	assert.Equal(t, NoPort, p.ReserveNextPort())
}

func TestReleaseUnreservedIsNoop(t *testing.T) {
	t.Parallel()

	p, err := New("100-101", false)
	require.NoError(t, err)

	p.ReleasePort(100)
	p.ReleasePort(5000)
	p.ReleasePort(0)
	assert.Equal(t, 0, p.Reserved())

	assert.Equal(t, 100, p.ReserveNextPort())
	p.ReleasePort(100)
	p.ReleasePort(100)
	assert.Equal(t, 0, p.Reserved())
}

func TestInvalidSpec(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"foo", "65536", "-1-5", "12-abc", "70000-", "10-5", "-", "1,,x", "0,123", "123,0", "0-5", "0 0"} {
		t.Run(spec, func(t *testing.T) {
			p, err := New(spec, false)
			require.ErrorIs(t, err, ErrInvalidSpec)
			assert.Nil(t, p)
		})
	}
}

func TestConcurrentReservationsAreUnique(t *testing.T) {
	t.Parallel()

	p, err := New("40000-40199", true)
	require.NoError(t, err)
	assert.True(t, p.Secure())

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				port := p.ReserveNextPort()
				mu.Lock()
				seen[port]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, 200)
	for port, n := range seen {
		assert.Equal(t, 1, n, "port %d reserved more than once", port)
	}
	assert.Equal(t, NoPort, p.ReserveNextPort())
}
