package rpc

import (
	"fmt"
	"net"
)

// Client is a minimal frame-level client for rdbgctl and for tests: it
// speaks the same length-prefixed `command|content` protocol Server
// implements, without depending on any *rdbg.Debugger internals.
type Client struct {
	conn net.Conn
}

// Dial connects to a running rdbgd instance at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one command|content frame and waits for the matching reply,
// returning the reply command ("success"/"error") and its content.
func (c *Client) Call(command string, content []byte) (string, []byte, error) {
	payload := encodeReply(command, content)
	if err := writeFrame(c.conn, payload); err != nil {
		return "", nil, err
	}

	reply, err := readFrame(c.conn)
	if err != nil {
		return "", nil, err
	}

	replyCommand, replyContent := splitCommand(reply)
	return replyCommand, replyContent, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
