package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Client is a line-oriented connection to a relay server.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a relay server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Send writes one command without waiting for a reply.
func (c *Client) Send(command string) error {
	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// Request sends a command and waits up to timeout for the reply line.
func (c *Client) Request(command string, timeout time.Duration) (string, error) {
	if err := c.Send(command); err != nil {
		return "", err
	}
	return c.ReadReply(timeout)
}

// ReadReply reads one reply line.
func (c *Client) ReadReply(timeout time.Duration) (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", fmt.Errorf("no reply within %s: %w", timeout, err)
		}
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
