package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor() *Monitor {
	return NewMonitor(Config{ProbeInterval: time.Minute, AckTimeout: 15 * time.Second}, t0)
}

func TestHeardJoinsConnectedSet(t *testing.T) {
	m := newTestMonitor()

	assert.True(t, m.Heard(1, t0))
	assert.False(t, m.Heard(1, t0.Add(time.Second)), "second message should not rejoin")
	assert.Equal(t, []types.NodeID{1}, m.Connected())

	heard, ok := m.LastHeard(1)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), heard)
}

func TestProbeFailureMovesToFailed(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)

	assert.True(t, m.Probe(1, false))
	assert.Empty(t, m.Connected())
	assert.Equal(t, []types.NodeID{1}, m.Failed())

	// 重複失敗不應重複加入
	assert.False(t, m.Probe(1, false))
	assert.Equal(t, []types.NodeID{1}, m.Failed())
}

func TestSetsStayDisjoint(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)
	m.Heard(2, t0)
	m.Probe(2, false)
	m.Heard(2, t0.Add(time.Second))
	m.Probe(1, false)
	m.Probe(1, true)

	for _, id := range m.Connected() {
		assert.NotContains(t, m.Failed(), id)
	}
	assert.ElementsMatch(t, []types.NodeID{1, 2}, m.Connected())
	assert.Empty(t, m.Failed())
}

func TestSweepSkipsRecentlyHeard(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)
	m.Heard(2, t0.Add(-2*time.Minute))

	var probed []types.NodeID
	lost := m.Sweep(t0.Add(30*time.Second), func(id types.NodeID) bool {
		probed = append(probed, id)
		return true
	})

	assert.Equal(t, []types.NodeID{2}, probed, "node 1 was heard within the probe interval")
	assert.Empty(t, lost)
}

func TestSweepReportsLostNodes(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)
	m.Heard(2, t0)

	now := t0.Add(2 * time.Minute)
	require.True(t, m.SweepDue(now))
	lost := m.Sweep(now, func(id types.NodeID) bool { return id == 1 })

	assert.Equal(t, []types.NodeID{2}, lost)
	assert.Equal(t, []types.NodeID{1}, m.Connected())
	assert.Equal(t, []types.NodeID{2}, m.Failed())
	assert.False(t, m.SweepDue(now.Add(time.Second)))
}

func TestProbeSuccessResolvesAckWait(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)
	m.Probe(1, false)
	m.StartWait(1, t0)

	outcome, _ := m.PollWait(t0.Add(time.Second))
	assert.Equal(t, WaitPending, outcome)

	assert.True(t, m.Probe(1, true))
	assert.True(t, m.IsConnected(1))

	outcome, id := m.PollWait(t0.Add(2 * time.Second))
	assert.Equal(t, WaitRecovered, outcome)
	assert.Equal(t, types.NodeID(1), id)
	assert.Nil(t, m.Waiting())
}

func TestAckWaitTimesOut(t *testing.T) {
	m := newTestMonitor()
	m.Heard(2, t0)
	m.Probe(2, false)
	m.StartWait(2, t0)

	outcome, _ := m.PollWait(t0.Add(14 * time.Second))
	assert.Equal(t, WaitPending, outcome)

	outcome, id := m.PollWait(t0.Add(15 * time.Second))
	assert.Equal(t, WaitTimedOut, outcome)
	assert.Equal(t, types.NodeID(2), id)
	assert.Equal(t, []types.NodeID{2}, m.Failed(), "timeout leaves the node failed")

	outcome, _ = m.PollWait(t0.Add(16 * time.Second))
	assert.Equal(t, WaitIdle, outcome)
}

func TestLatestWaitWins(t *testing.T) {
	m := newTestMonitor()
	m.StartWait(1, t0)
	m.StartWait(2, t0.Add(time.Second))

	w := m.Waiting()
	require.NotNil(t, w)
	assert.Equal(t, types.NodeID(2), w.Node)
	assert.Equal(t, 15*time.Second, w.Timeout)
}

func TestForget(t *testing.T) {
	m := newTestMonitor()
	m.Heard(1, t0)
	m.Forget(1)
	assert.False(t, m.IsConnected(1))
	assert.Empty(t, m.Failed())
}
