package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/getmockd/warcrec/pkg/logging"
)

// ErrClosed is returned by calls on a closed or disconnected client.
var ErrClosed = errors.New("cdp connection closed")

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger *slog.Logger
	// ReadLimit caps the size of one incoming frame. Response bodies arrive
	// in a single frame, so the default is generous.
	ReadLimit int64
	// QueueSize buffers events between the read pump and the handler.
	QueueSize int
}

// Client is a DevTools protocol connection to one target.
//
// Events are delivered to the handler in arrival order on a single
// goroutine. Replies are routed by the read pump independently, so a
// handler may start Calls from other goroutines, but must not block its own
// goroutine waiting on one.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *message
	handler func(Event)
	err     error

	events    chan Event
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to a target's webSocketDebuggerUrl.
func Dial(ctx context.Context, wsURL string, opts ClientOptions) (*Client, error) {
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	return newClient(conn, opts), nil
}

func newClient(conn *websocket.Conn, opts ClientOptions) *Client {
	if opts.ReadLimit == 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultEventQueueSize
	}
	conn.SetReadLimit(opts.ReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		log:     logging.OrNop(opts.Logger),
		pending: make(map[int64]chan *message),
		events:  make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	c.wg.Add(2)
	go c.readPump(ctx)
	go c.dispatch()
	return c
}

// SetEventHandler installs the event callback. Events received while no
// handler is installed are dropped.
func (c *Client) SetEventHandler(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Call sends a command and decodes its result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	msg := message{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	reply := make(chan *message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[msg.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	case resp := <-reply:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the pumps to exit. Events
// already queued are still delivered. It must not be called from the event
// handler.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Err() != nil {
			_ = c.conn.CloseNow()
		} else {
			err = c.conn.Close(websocket.StatusNormalClosure, "")
		}
		c.cancel()
		c.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// readPump reads frames until the connection fails, routing replies to
// their callers and queueing events.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.shutdown(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping undecodable cdp frame", "error", err, "bytes", len(data))
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				reply <- &msg
			}
			continue
		}
		if msg.Method == "" {
			continue
		}
		select {
		case c.events <- Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID}:
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return
		}
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for ev := range c.events {
		c.mu.Lock()
		fn := c.handler
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.err == nil {
		if websocket.CloseStatus(cause) == websocket.StatusNormalClosure || errors.Is(cause, context.Canceled) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		close(c.done)
		c.log.Debug("cdp connection ended", "error", cause)
	}
	c.mu.Unlock()
}
