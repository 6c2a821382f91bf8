// ============================================================================
// meshctl Mesh Transport - best-effort frame delivery to numbered nodes
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: Boundary between the controller and the radio mesh.
//
// The radio stack (addressing, routing, retransmission) is opaque. The
// controller only sees:
//   - Poll(): frames that have arrived since the last call, never blocks
//   - Send(): one payload to one node, success or failure
//   - Sync(): refresh link state before a send attempt
//
// Implementations:
//   - MQTT: a radio gateway bridges the mesh to an MQTT broker
//   - Memory: in-process, used by tests and the simulator
//
// ============================================================================

package transport

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/meshctl/internal/packet"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the radio limit.
	// It is not worth retrying.
	ErrPayloadTooLarge = errors.New("transport: payload exceeds radio limit")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrUnreachable is returned when a node did not take the frame.
	ErrUnreachable = errors.New("transport: node unreachable")
)

// Frame is one inbound payload and the node it came from.
type Frame struct {
	From    types.NodeID
	Payload []byte
}

// Transport delivers single frames to and from mesh nodes.
type Transport interface {
	// Poll returns every frame available now, in arrival order.
	Poll() []Frame
	// Send delivers one payload to a node.
	Send(to types.NodeID, payload []byte) error
	// Sync refreshes link state before a send attempt.
	Sync() error
	// Close releases the transport.
	Close() error
}

func checkSize(payload []byte) error {
	if len(payload) > packet.MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), packet.MaxPayloadSize)
	}
	return nil
}
