package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// ErrClientClosed is returned by calls made after the connection ended.
var ErrClientClosed = errors.New("rpc client closed")

// Notification is a push frame as seen by a Client. Event is left raw so
// the caller can decode it by the kind of subscription it made.
type Notification struct {
	Subscription types.SubscriptionID
	Event        json.RawMessage
}

// Client is a websocket RPC client. Calls may be made from several
// goroutines; responses are matched by id.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     int
	pending map[string]chan frame
	err     error

	notes chan Notification
	done  chan struct{}
}

// Dial connects to a server at url, for example ws://127.0.0.1:7420/rpc.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan frame),
		notes:   make(chan Notification, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers push frames. It is closed when the connection
// ends. Responses stall while it is full, so callers that subscribe must
// keep draining it.
func (c *Client) Notifications() <-chan Notification { return c.notes }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection.
func (c *Client) Close() error {
	err := c.ws.Close()
	<-c.done
	return err
}

// Call sends a request and decodes the result into out, which may be nil.
// A response error is returned as a *types.ResultError.
func (c *Client) Call(ctx context.Context, service, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.seq++
	id := strconv.Itoa(c.seq)
	reply := make(chan frame, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.ws.WriteJSON(Request{ID: id, Service: service, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("sending %s.%s: %w", service, method, err)
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return ErrClientClosed
		}
		if f.Error != nil {
			return f.Error
		}
		if out == nil || len(f.Result) == 0 {
			return nil
		}
		return json.Unmarshal(f.Result, out)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClientClosed
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.notes)
		close(c.done)
	}()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClientClosed, err)
			c.mu.Unlock()
			return
		}
		if f.Subscription != "" {
			c.notes <- Notification{Subscription: f.Subscription, Event: f.Event}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}
