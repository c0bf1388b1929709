package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reply is one server answer: a status word and the rest of the line.
type Reply struct {
	Status  string
	Message string
}

func (r Reply) OK() bool { return r.Status == "OK" }

// Client sends protocol lines to one server over pooled connections.
type Client struct {
	pools   *PoolManager
	address string
}

func NewClient(pools *PoolManager, address string) *Client {
	return &Client{pools: pools, address: address}
}

// Do sends line and waits for the reply. When a pooled connection turns out
// to be closed by the server before any reply byte arrived, the request is
// sent once more on a fresh connection.
func (c *Client) Do(ctx context.Context, line string) (Reply, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Reply{}, fmt.Errorf("request must be a single line")
	}
	reply, retry, err := c.do(ctx, line)
	if err != nil && retry && ctx.Err() == nil {
		reply, _, err = c.do(ctx, line)
	}
	return reply, err
}

func (c *Client) do(ctx context.Context, line string) (reply Reply, retry bool, err error) {
	conn, err := c.pools.Get(c.address)
	if err != nil {
		return Reply{}, false, err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.ForceClose()
		return Reply{}, false, err
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		conn.ForceClose()
		return Reply{}, true, fmt.Errorf("failed to send request to %s: %w", c.address, err)
	}
	// Replies are read byte-wise up to the newline so no buffered bytes are
	// lost when the connection goes back to the pool.
	resp, err := bufio.NewReaderSize(&byteReader{conn: conn}, 16).ReadString('\n')
	if err != nil {
		conn.ForceClose()
		return Reply{}, resp == "" && errors.Is(err, io.EOF), fmt.Errorf("failed to read reply from %s: %w", c.address, err)
	}
	conn.Close()
	status, msg, _ := strings.Cut(strings.TrimRight(resp, "\r\n"), " ")
	return Reply{Status: status, Message: msg}, false, nil
}

// byteReader hands out at most one byte per Read.
type byteReader struct {
	conn *PooledConn
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.conn.Read(p[:1])
}
