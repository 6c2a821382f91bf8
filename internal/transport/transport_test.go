package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

func TestMemoryPollDrainsInOrder(t *testing.T) {
	m := NewMemory()
	m.Deliver(2, "t70")
	m.Deliver(1, "a1")

	frames := m.Poll()
	require.Len(t, frames, 2)
	assert.Equal(t, types.NodeID(2), frames[0].From)
	assert.Equal(t, "a1", string(frames[1].Payload))
	assert.Empty(t, m.Poll())
}

func TestMemorySendFailure(t *testing.T) {
	m := NewMemory()
	m.SetReachable(1, false)

	err := m.Send(1, []byte("a0"))
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 1, m.Attempts())
	assert.Empty(t, m.Sent())

	m.SetReachable(1, true)
	require.NoError(t, m.Send(1, []byte("a0")))
	assert.Equal(t, []string{"a0"}, m.SentTo(1))
}

func TestPayloadLimit(t *testing.T) {
	m := NewMemory()
	err := m.Send(1, []byte(strings.Repeat("x", 33)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, m.Attempts())
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send(1, []byte("k1")), ErrClosed)
}

func TestNodeFromTopic(t *testing.T) {
	id, err := nodeFromTopic("mesh/2/up")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(2), id)

	id, err = nodeFromTopic("home/ac/mesh/1/up")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(1), id)

	_, err = nodeFromTopic("mesh/up")
	assert.Error(t, err)
	_, err = nodeFromTopic("mesh/999/up")
	assert.Error(t, err)
}

func TestMQTTTopics(t *testing.T) {
	ctrl := &MQTT{config: MQTTConfig{TopicPrefix: "mesh"}, local: ControllerNode}
	assert.Equal(t, "mesh/+/up", ctrl.subscribeTopic())
	assert.Equal(t, "mesh/1/down", ctrl.publishTopic(1))

	node := &MQTT{config: MQTTConfig{TopicPrefix: "mesh"}, local: 2}
	assert.Equal(t, "mesh/2/down", node.subscribeTopic())
	assert.Equal(t, "mesh/2/up", node.publishTopic(ControllerNode))
}
