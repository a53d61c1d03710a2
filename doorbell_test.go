package zivshmem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoorbellPair(t *testing.T) {
	a, b, err := NewDoorbellPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Ring())
	require.NoError(t, a.Ring())
	rang, err := b.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, rang)

	// both rings were drained by one wait
	rang, err = b.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, rang)

	// ringing b does not wake b
	require.NoError(t, b.Ring())
	rang, err = b.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, rang)
	rang, err = a.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, rang)
}

func TestDoorbellInterrupt(t *testing.T) {
	a, b, err := NewDoorbellPair()
	require.NoError(t, err)
	defer b.Close()

	done := make(chan bool)
	go func() {
		rang, err := a.Wait(-1)
		assert.NoError(t, err)
		done <- rang
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Interrupt())

	select {
	case rang := <-done:
		assert.False(t, rang)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait was not interrupted")
	}
	assert.NoError(t, a.Close())
}

func TestPollDoorbell(t *testing.T) {
	d := NewPollDoorbell()
	defer d.Close()

	assert.NoError(t, d.Ring())

	start := time.Now()
	rang, err := d.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, rang)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, d.Interrupt())
	require.NoError(t, d.Interrupt())
	start = time.Now()
	rang, err = d.Wait(time.Hour)
	require.NoError(t, err)
	assert.False(t, rang)
	assert.Less(t, time.Since(start), time.Minute)
}
