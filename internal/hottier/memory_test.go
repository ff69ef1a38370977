package hottier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 20*time.Millisecond))
	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	ttl, err := m.PTTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	time.Sleep(30 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.True(t, IsNotFound(err))

	exists, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_SetNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _ := m.Get(ctx, "lock")
	assert.Equal(t, "a", v)

	// Expired keys are reclaimable.
	require.NoError(t, m.Set(ctx, "lease", "x", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	ok, err = m.SetNX(ctx, "lease", "y", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_Expire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Expire(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	ok, err = m.Expire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	assert.True(t, IsNotFound(err))
}

func TestMemory_JSONRootOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.JSONSet(ctx, "doc", "$", map[string]string{"a": "b"}))
	raw, err := m.JSONGet(ctx, "doc", "$")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, raw)

	err = m.JSONSet(ctx, "doc", "$.a", "c")
	assert.True(t, IsUnsupported(err), "sub-path addressing is not supported in-process")
}

func TestMemory_SearchAndStreamsUnsupported(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.Search(ctx, "idx", "*", SearchOptions{Limit: 10})
	assert.True(t, IsUnsupported(err))
	assert.Equal(t, 0, res.Total)

	_, err = m.StreamAppend(ctx, "s", map[string]interface{}{"k": "v"})
	assert.True(t, IsUnsupported(err))

	_, err = m.StreamReadGroup(ctx, StreamReadArgs{Stream: "s", Group: "g", Consumer: "c"})
	assert.True(t, IsUnsupported(err))
}

func TestMemory_PubSub(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "chan-a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, "chan-a", []byte("payload")))
	require.NoError(t, m.Publish(ctx, "chan-b", []byte("other")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "chan-a", msg.Channel)
		assert.Equal(t, []byte("payload"), msg.Payload)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected message on subscribed channel")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected message from channel %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}
