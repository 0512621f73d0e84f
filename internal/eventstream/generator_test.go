package eventstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorPushThenNext(t *testing.T) {
	g := New[int]()
	g.Push(1)
	g.Push(2)

	ctx := context.Background()
	v, ok, err := g.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok, err = g.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestGeneratorNextBlocksUntilPush(t *testing.T) {
	g := New[string]()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		v, ok, err := g.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	g.Push("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Push")
	}
}

func TestGeneratorClose(t *testing.T) {
	g := New[int]()
	g.Push(1)
	g.Close()

	ctx := context.Background()
	_, ok, err := g.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = g.Next(ctx)
	assert.False(t, ok)
	assert.NoError(t, err)

	// Close is idempotent.
	g.Close()
}

func TestGeneratorThrow(t *testing.T) {
	g := New[int]()
	sentinel := errors.New("boom")
	g.Throw(sentinel)

	ctx := context.Background()
	_, ok, err := g.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, sentinel)

	// A subsequent Close must not override the thrown error.
	g.Close()
	_, ok, err = g.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, sentinel)
}

func TestGeneratorPushAfterCloseIsNoop(t *testing.T) {
	g := New[int]()
	g.Close()
	g.Push(42)

	ctx := context.Background()
	_, ok, err := g.Next(ctx)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestGeneratorNextHonoursContextCancellation(t *testing.T) {
	g := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := g.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratorEachDeliversInOrder(t *testing.T) {
	g := New[int]()
	g.Push(1)
	g.Push(2)
	g.Push(3)
	g.Close()

	var got []int
	err := g.Each(context.Background(), func(v int) {
		got = append(got, v)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestGeneratorEachPropagatesThrow(t *testing.T) {
	g := New[int]()
	sentinel := errors.New("revoked")
	g.Push(1)
	g.Throw(sentinel)

	var got []int
	err := g.Each(context.Background(), func(v int) {
		got = append(got, v)
	})
	assert.Equal(t, []int{1}, got)
	assert.ErrorIs(t, err, sentinel)
}
