// Package statusfeed publishes controller state changes for dashboard
// consumers: a Redis hash holding the latest values and a capped stream of
// events.
package statusfeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// Event kinds.
const (
	KindACState    = "ac_state"
	KindReading    = "reading"
	KindNode       = "node"
	KindPermission = "permission"
	KindThresholds = "thresholds"
)

// Event is one state change.
type Event struct {
	Kind   string
	At     time.Time
	Fields map[string]string // merged into the state hash
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ACState reports a logged actuator change.
func ACState(on bool, at time.Time) Event {
	return Event{Kind: KindACState, At: at, Fields: map[string]string{"ac": onOff(on)}}
}

// Reading reports a sensor reading; empty values are omitted.
func Reading(temp, humidity string, at time.Time) Event {
	f := map[string]string{}
	if temp != "" {
		f["temp"] = temp
	}
	if humidity != "" {
		f["humidity"] = humidity
	}
	return Event{Kind: KindReading, At: at, Fields: f}
}

// Node reports a connectivity transition.
func Node(id types.NodeID, online bool, at time.Time) Event {
	status := types.StatusOffline
	if online {
		status = types.StatusOnline
	}
	return Event{Kind: KindNode, At: at, Fields: map[string]string{id.String(): string(status)}}
}

// Permission reports a permission flag change.
func Permission(allowed bool, at time.Time) Event {
	return Event{Kind: KindPermission, At: at, Fields: map[string]string{"allow": strconv.FormatBool(allowed)}}
}

// Thresholds reports new temperature limits.
func Thresholds(t types.Thresholds, at time.Time) Event {
	return Event{Kind: KindThresholds, At: at, Fields: map[string]string{
		"max": strconv.FormatFloat(t.Max, 'f', -1, 64),
		"min": strconv.FormatFloat(t.Min, 'f', -1, 64),
	}}
}

// Publisher receives controller events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// redisClient is the subset of *redis.Client used here.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config Redis feed settings.
type Config struct {
	StateKey string        // hash with the latest values
	Stream   string        // event stream
	MaxLen   int64         // approximate stream cap
	Timeout  time.Duration // per publish
}

// Redis publishes to a Redis hash and stream.
type Redis struct {
	client redisClient
	config Config
}

// NewRedis creates a publisher. client is usually a *redis.Client.
func NewRedis(client redisClient, config Config) *Redis {
	if config.StateKey == "" {
		config.StateKey = "meshctl:state"
	}
	if config.Stream == "" {
		config.Stream = "meshctl:events"
	}
	if config.MaxLen <= 0 {
		config.MaxLen = 10000
	}
	if config.Timeout <= 0 {
		config.Timeout = 200 * time.Millisecond
	}
	return &Redis{client: client, config: config}
}

// Publish updates the state hash then appends to the stream.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	at := ev.At.UTC().Format(time.RFC3339Nano)

	hash := make([]interface{}, 0, 2*len(ev.Fields)+2)
	values := map[string]interface{}{"kind": ev.Kind, "at": at}
	for k, v := range ev.Fields {
		hash = append(hash, k, v)
		values[k] = v
	}
	hash = append(hash, "updated_at", at)

	if err := r.client.HSet(ctx, r.config.StateKey, hash...).Err(); err != nil {
		return fmt.Errorf("failed to update %s: %w", r.config.StateKey, err)
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		MaxLen: r.config.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", r.config.Stream, err)
	}
	return nil
}
