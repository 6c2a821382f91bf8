package transport

import (
	"sync"

	"github.com/ChuLiYu/meshctl/pkg/types"
)

// Sent records an outbound payload on a Memory transport.
type Sent struct {
	To      types.NodeID
	Payload string
}

// Memory is an in-process transport. Inbound frames are injected with
// Deliver; outbound frames are recorded and can be failed per node.
type Memory struct {
	mu       sync.Mutex
	inbound  []Frame
	sent     []Sent
	failing  map[types.NodeID]bool
	syncs    int
	attempts int
	closed   bool
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{failing: make(map[types.NodeID]bool)}
}

// Deliver queues a frame as if it had arrived from node from.
func (m *Memory) Deliver(from types.NodeID, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, Frame{From: from, Payload: []byte(payload)})
}

// SetReachable makes sends to a node succeed or fail.
func (m *Memory) SetReachable(id types.NodeID, reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[id] = !reachable
}

// Poll implements Transport.
func (m *Memory) Poll() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.inbound
	m.inbound = nil
	return frames
}

// Send implements Transport.
func (m *Memory) Send(to types.NodeID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkSize(payload); err != nil {
		return err
	}
	m.attempts++
	if m.failing[to] {
		return ErrUnreachable
	}
	m.sent = append(m.sent, Sent{To: to, Payload: string(payload)})
	return nil
}

// Sync implements Transport.
func (m *Memory) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sent returns the delivered payloads in send order.
func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentTo returns the payloads delivered to one node.
func (m *Memory) SentTo(id types.NodeID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == id {
			out = append(out, s.Payload)
		}
	}
	return out
}

// Reset clears the sent log and attempt counters.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.attempts = 0
	m.syncs = 0
}

// Attempts returns the number of send attempts, successful or not.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Syncs returns how many times Sync was called.
func (m *Memory) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}
