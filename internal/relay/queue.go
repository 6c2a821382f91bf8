package relay

import "context"

// Request is a decoded command and the client that sent it.
type Request struct {
	Client  ClientID
	Command Command
}

// Queue hands requests from connection readers to the controller loop.
// Many goroutines push; one consumer drains.
type Queue struct {
	ch chan Request
}

// NewQueue creates a queue holding up to size pending requests.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Request, size)}
}

// Push blocks until there is room or ctx ends.
func (q *Queue) Push(ctx context.Context, r Request) error {
	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain returns every request pending now, in enqueue order. It never blocks.
func (q *Queue) Drain() []Request {
	var out []Request
	for {
		select {
		case r := <-q.ch:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	return len(q.ch)
}
