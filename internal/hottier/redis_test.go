package hottier

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
)

func testConfig(t *testing.T, addr string) config.RedisConfig {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.RedisConfig{
		MasterHost:      host,
		MasterPort:      port,
		ConnectTimeout:  time.Second,
		MaxRetries:      1,
		RetryDelay:      10 * time.Millisecond,
		FailoverTimeout: 10 * time.Second,
	}
}

func newTestClient(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	client := NewRedis(testConfig(t, mr.Addr()), log)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedis_KeyValue(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	v, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	exists, err := client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Del(ctx, "k"))
	exists, err = client.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedis_SetNXAndTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "lock", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "lock", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.PTTL(ctx, "lock")
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)

	mr.FastForward(2 * time.Minute)
	ok, err = client.SetNX(ctx, "lock", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_EvalCompareAndDelete(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	script := `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

	require.NoError(t, client.Set(ctx, "lock", "mine", 0))

	res, err := client.Eval(ctx, script, []string{"lock"}, "theirs")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res)

	res, err = client.Eval(ctx, script, []string{"lock"}, "mine")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res)

	exists, _ := client.Exists(ctx, "lock")
	assert.False(t, exists)
}

func TestRedis_Streams(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.StreamGroupCreate(ctx, "events", "workers"))
	// Creating the same group twice is fine.
	require.NoError(t, client.StreamGroupCreate(ctx, "events", "workers"))

	id, err := client.StreamAppend(ctx, "events", map[string]interface{}{
		"operation": "CREATE_MESSAGE",
		"data":      `{"_id":"m1"}`,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := client.StreamReadGroup(ctx, StreamReadArgs{
		Stream:   "events",
		Group:    "workers",
		Consumer: "c1",
		Count:    10,
		Block:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "CREATE_MESSAGE", entries[0].Fields["operation"])

	require.NoError(t, client.StreamAck(ctx, "events", "workers", id))

	entries, err = client.StreamReadGroup(ctx, StreamReadArgs{
		Stream:   "events",
		Group:    "workers",
		Consumer: "c1",
		Count:    10,
		Block:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedis_PubSub(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, client.Publish(ctx, "events", []byte(`{"hello":"world"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "events", msg.Channel)
		assert.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected published message")
	}
}

// Full connectivity loss trips the breaker and the facade continues on the
// in-process fallback.
func TestRedis_DegradesToFallback(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))

	mr.Close()

	// First call fails and trips the breaker (MaxRetries is 1 in tests).
	_, err := client.Get(ctx, "k")
	require.Error(t, err)

	assert.True(t, client.Status().Degraded)
	assert.Equal(t, "memory", client.Status().Mode)

	// Degraded mode is non-throwing: writes land in the fallback store.
	require.NoError(t, client.Set(ctx, "local", "only", 0))
	v, err := client.Get(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "only", v)

	// Search degrades to an empty, unsupported result.
	res, err := client.Search(ctx, "idx", "*", SearchOptions{Limit: 5})
	assert.True(t, IsUnsupported(err))
	assert.Equal(t, 0, res.Total)
}
