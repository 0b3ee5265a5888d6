package uds

import (
	"fmt"
	"net"
	"time"
)

// Client issues one command per connection against the daemon socket.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		path:    socketPath,
		timeout: defaultConnTimeout,
	}
}

// SetTimeout sets the dial and I/O deadline. Callers issuing a blocking
// ask should raise it above the daemon's clarification timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand builds a request for command with params and sends it.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send performs one request/response exchange. The returned response may
// still carry an application error; transport failures come back as err.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: baton daemon",
			c.path, err,
		)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return conn, nil
}
