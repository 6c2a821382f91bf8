package statusfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

type fakeRedis struct {
	hashKey string
	hash    map[string]interface{}
	xadds   []*redis.XAddArgs
	hsetErr error
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.hashKey = key
	if f.hash == nil {
		f.hash = map[string]interface{}{}
	}
	for i := 0; i+1 < len(values); i += 2 {
		f.hash[values[i].(string)] = values[i+1]
	}
	return redis.NewIntResult(int64(len(values)/2), f.hsetErr)
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.xadds = append(f.xadds, a)
	return redis.NewStringResult("1-0", nil)
}

func TestRedisPublish(t *testing.T) {
	fake := &fakeRedis{}
	pub := NewRedis(fake, Config{})
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, pub.Publish(context.Background(), ACState(true, at)))
	require.NoError(t, pub.Publish(context.Background(), Node(2, false, at)))

	assert.Equal(t, "meshctl:state", fake.hashKey)
	assert.Equal(t, "ON", fake.hash["ac"])
	assert.Equal(t, "offline", fake.hash["node-2"])
	assert.Equal(t, "2026-05-01T12:00:00Z", fake.hash["updated_at"])

	require.Len(t, fake.xadds, 2)
	assert.Equal(t, "meshctl:events", fake.xadds[0].Stream)
	assert.True(t, fake.xadds[0].Approx)
	values := fake.xadds[0].Values.(map[string]interface{})
	assert.Equal(t, KindACState, values["kind"])
	assert.Equal(t, "ON", values["ac"])
}

func TestRedisPublish_HashErrorSkipsStream(t *testing.T) {
	fake := &fakeRedis{hsetErr: errors.New("READONLY")}
	pub := NewRedis(fake, Config{StateKey: "k", Stream: "s"})

	err := pub.Publish(context.Background(), Permission(true, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k")
	assert.Empty(t, fake.xadds)
}

func TestEventConstructors(t *testing.T) {
	now := time.Now()
	assert.Equal(t, map[string]string{"temp": "71.5"}, Reading("71.5", "", now).Fields)
	assert.Equal(t, map[string]string{"max": "80", "min": "70.5"}, Thresholds(types.Thresholds{Max: 80, Min: 70.5}, now).Fields)
	assert.Equal(t, "false", Permission(false, now).Fields["allow"])
	assert.Equal(t, "OFF", ACState(false, now).Fields["ac"])
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), ACState(true, time.Now())))
}
