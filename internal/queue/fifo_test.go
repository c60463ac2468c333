package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseFIFO(t *testing.T, f FIFO) {
	t.Helper()
	ctx := context.Background()

	id, err := f.Pop(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id, "empty fifo must time out with no id")

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, f.Push(ctx, v))
	}

	n, err := f.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	removed, err := f.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	first, err := f.Pop(ctx, time.Second)
	require.NoError(t, err)
	second, err := f.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, []string{first, second})
}

func TestMemoryFIFO(t *testing.T) {
	exerciseFIFO(t, NewMemoryFIFO())
}

func TestMemoryFIFOPopWakesOnPush(t *testing.T) {
	f := NewMemoryFIFO()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.Push(context.Background(), "late")
	}()

	id, err := f.Pop(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", id)
}

func TestMemoryFIFOPopHonorsContext(t *testing.T) {
	f := NewMemoryFIFO()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisFIFO(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	f, err := NewRedisFIFO(url, "test:"+uuid.NewString())
	require.NoError(t, err)
	defer f.Close()

	exerciseFIFO(t, f)
}
