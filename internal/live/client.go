package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	outboundQueueSize = 64
	writeTimeout      = 10 * time.Second
)

var errClientGone = errors.New("live client disconnected")

// client serializes outbound frames for one connection. Producers never
// block: frames are queued and written by writeLoop.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	out    chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	drops  int
	closed bool
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		logger: logger,
		out:    make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
	}
}

// enqueue marshals v and queues it. A full queue drops the frame.
func (c *client) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.drops++
		c.logger.Warn("live outbound queue full, dropping frame", "conn_id", c.id, "dropped", c.drops)
		return errors.New("live outbound queue full")
	}
}

func (c *client) writeLoop(ctx context.Context) {
	defer c.close()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("live write error", "conn_id", c.id, "error", err)
				}
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}
