// ============================================================================
// meshctl Command Relay Server
// ============================================================================
//
// Package: internal/relay
// File: server.go
// Purpose: Local TCP endpoint for dashboard / console clients.
//
// Concurrency:
//   - one accept goroutine (Serve)
//   - one reader goroutine per connection, which only frames and enqueues
//   - the controller loop is the single consumer and replies via SendToClient
//
// mu guards the client table. The Queue is the only handoff between readers
// and the controller.
//
// Framing: commands end with "\n". A fragment with no newline is held until
// the rest arrives; if nothing follows within LineIdleTimeout, or the client
// disconnects, the fragment is taken as one command. Older clients send a
// bare command and wait for the reply.
//
// ============================================================================

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownClient is returned when replying to a closed or unknown connection.
	ErrUnknownClient = errors.New("relay: unknown client")
	// ErrAcceptFailed is returned by Serve after too many consecutive accept errors.
	ErrAcceptFailed = errors.New("relay: accept keeps failing")
)

// ClientID identifies one accepted connection.
type ClientID string

// Config relay server settings.
type Config struct {
	Addr             string        // default 127.0.0.1:65432 (local only)
	QueueSize        int           // handoff queue capacity
	ReadBufferSize   int           // per-read size, also the longest held fragment
	WriteTimeout     time.Duration // reply write timeout
	LineIdleTimeout  time.Duration // pause after which an unterminated fragment is a command
	MaxAcceptRetries int           // consecutive accept failures before giving up
}

// DefaultConfig returns the local-only defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:65432",
		QueueSize:        64,
		ReadBufferSize:   1024,
		WriteTimeout:     2 * time.Second,
		LineIdleTimeout:  300 * time.Millisecond,
		MaxAcceptRetries: 10,
	}
}

// clientInfo tracks one accepted connection.
type clientInfo struct {
	id          ClientID
	conn        net.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

// Server accepts client connections and feeds their commands into a Queue.
type Server struct {
	config Config
	queue  *Queue
	logger *zap.Logger

	mu       sync.RWMutex
	clients  map[ClientID]*clientInfo
	listener net.Listener

	readers sync.WaitGroup
}

// NewServer creates a relay server. Call Listen then Serve.
func NewServer(config Config, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.LineIdleTimeout <= 0 {
		config.LineIdleTimeout = def.LineIdleTimeout
	}
	if config.MaxAcceptRetries <= 0 {
		config.MaxAcceptRetries = def.MaxAcceptRetries
	}
	return &Server{
		config:  config,
		queue:   NewQueue(config.QueueSize),
		logger:  logger,
		clients: make(map[ClientID]*clientInfo),
	}
}

// Queue returns the handoff queue drained by the controller.
func (s *Server) Queue() *Queue {
	return s.queue
}

// Listen binds the listener. A bind failure is returned to the caller.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind relay server on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("Relay server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx ends. Transient accept errors are
// retried with a growing pause; after MaxAcceptRetries consecutive failures
// Serve closes the listener and gives up with ErrAcceptFailed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	lis := s.listener
	s.mu.RUnlock()
	if lis == nil {
		return errors.New("relay: Serve called before Listen")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			lis.Close()
		case <-stop:
		}
	}()

	failures := 0
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeAll()
				return nil
			}

			failures++
			s.logger.Warn("Accept failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= s.config.MaxAcceptRetries {
				lis.Close()
				s.closeAll()
				return fmt.Errorf("%w: %v", ErrAcceptFailed, err)
			}

			backoff := time.Duration(failures) * 50 * time.Millisecond
			select {
			case <-ctx.Done():
				s.closeAll()
				return nil
			case <-time.After(min(backoff, time.Second)):
			}
			continue
		}
		failures = 0

		info := &clientInfo{
			id:          ClientID(uuid.NewString()),
			conn:        conn,
			connectedAt: time.Now(),
		}
		s.mu.Lock()
		s.clients[info.id] = info
		s.mu.Unlock()

		s.logger.Info("Accepted connection",
			zap.String("client", string(info.id)),
			zap.String("remote", conn.RemoteAddr().String()))

		s.readers.Add(1)
		go s.readLoop(ctx, info)
	}
}

// readLoop frames one connection into commands and enqueues them. It does
// not interpret them.
func (s *Server) readLoop(ctx context.Context, c *clientInfo) {
	defer s.readers.Done()
	defer s.remove(c.id)

	buf := make([]byte, s.config.ReadBufferSize)
	var pending []byte
	for {
		if len(pending) > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.config.LineIdleTimeout))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		n, err := c.conn.Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := pending[:i]
			pending = pending[i+1:]
			if s.push(ctx, c.id, line) != nil {
				return
			}
		}
		if len(pending) > s.config.ReadBufferSize {
			if s.push(ctx, c.id, pending) != nil {
				return
			}
			pending = nil
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if s.push(ctx, c.id, pending) != nil {
					return
				}
				pending = nil
				continue
			}
			// EOF, reset, or closed by us
			s.push(ctx, c.id, pending)
			s.logger.Debug("Client disconnected", zap.String("client", string(c.id)), zap.Error(err))
			return
		}
	}
}

// push enqueues one trimmed command line; blank lines are skipped.
func (s *Server) push(ctx context.Context, id ClientID, raw []byte) error {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return nil
	}
	return s.queue.Push(ctx, Request{Client: id, Command: Parse(line)})
}

// SendToClient writes one reply line to a client. A failed write drops
// the connection.
func (s *Server) SendToClient(id ClientID, text string) error {
	s.mu.RLock()
	c, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	_, err := c.conn.Write([]byte(text + "\n"))
	c.writeMu.Unlock()

	if err != nil {
		s.remove(id)
		return fmt.Errorf("failed to send to client %s: %w", id, err)
	}
	return nil
}

// CloseClient drops one connection. Unknown ids are ignored.
func (s *Server) CloseClient(id ClientID) {
	s.remove(id)
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) remove(id ClientID) {
	s.mu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[ClientID]*clientInfo)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	s.readers.Wait()
}
