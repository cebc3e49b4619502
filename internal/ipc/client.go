package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
)

var (
	// ErrNoSessionSocket means no live connection registered the session.
	ErrNoSessionSocket = errors.New("no socket for session")
)

// Client is a thin NDJSON client for daemon-side tooling (the in-CLI proxy
// and the hook notifier use it to emit events; they never read).
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	reader  *bufio.Reader
}

// DialEndpoint connects to the daemon's endpoint path.
func DialEndpoint(path string) (*Client, error) {
	conn, err := Dial(path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReaderSize(conn, maxLineBytes)}, nil
}

// Send writes one event message.
func (c *Client) Send(msgType string, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// Recv reads the next message. Used by request/response clients.
func (c *Client) Recv() (Message, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return Message{}, err
		}
		if len(line) <= 1 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
