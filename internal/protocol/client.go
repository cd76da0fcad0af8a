package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrConnectionClosed is returned for calls made after the transport has
// gone away, and to callers whose in-flight calls the closure orphaned.
var ErrConnectionClosed = errors.New("connection closed")

// RPCError is a protocol-level error returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handler receives agent-initiated traffic.
//
// HandleNotification is invoked synchronously from the read loop so that
// per-session notification order equals transport delivery order.
// HandleRequest runs on its own goroutine; a slow permission decision must
// not stall the stream.
type Handler interface {
	HandleNotification(method string, params json.RawMessage)
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// message is the generic JSON-RPC envelope in both directions.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Client speaks JSON-RPC over a Transport: outbound calls with response
// correlation, outbound notifications, and dispatch of inbound notifications
// and reverse requests to a Handler.
type Client struct {
	transport Transport
	handler   Handler
	logger    *slog.Logger

	writeMu sync.Mutex

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *message

	done      chan struct{}
	closeOnce sync.Once

	// ctx is cancelled when the client closes; reverse-request handlers
	// inherit it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient starts a client over the transport. The read loop runs until the
// transport fails or Close is called.
func NewClient(transport Transport, handler Handler, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		handler:   handler,
		logger:    logger,
		pending:   make(map[int64]chan *message),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go c.readLoop()
	return c
}

// Done is closed when the read loop has exited, i.e. the peer is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the transport and fails all in-flight calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.transport.Close()
	})
	return err
}

// Call sends a request and blocks until its response arrives, the context is
// cancelled, or the connection closes. A non-nil result is unmarshalled from
// the response.
//
// There is deliberately no call timeout: a hung agent blocks its caller, a
// documented limitation of the protocol.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	ch := make(chan *message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(message{JSONRPC: "2.0", Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

func (c *Client) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.transport.WriteMessage(data)
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("transport read ended", "error", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.logger != nil {
				c.logger.Warn("discarding unparseable message", "error", err)
			}
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			// Reverse request from the agent (permission, terminal).
			go c.serveRequest(msg)
		case msg.Method != "":
			// Notification: dispatched inline to preserve delivery order.
			c.handler.HandleNotification(msg.Method, msg.Params)
		case msg.ID != nil:
			c.routeResponse(&msg)
		default:
			if c.logger != nil {
				c.logger.Warn("discarding message with no id and no method")
			}
		}
	}
}

func (c *Client) routeResponse(msg *message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.pendingMu.Unlock()

	if !ok {
		if c.logger != nil {
			c.logger.Debug("response for unknown request id", "id", *msg.ID)
		}
		return
	}
	ch <- msg
}

func (c *Client) serveRequest(msg message) {
	result, err := c.handler.HandleRequest(c.ctx, msg.Method, msg.Params)

	resp := message{JSONRPC: "2.0", ID: msg.ID}
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: -32603, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &RPCError{Code: -32603, Message: merr.Error()}
		} else {
			resp.Result = raw
		}
	} else {
		resp.Result = json.RawMessage("{}")
	}

	if werr := c.write(resp); werr != nil && c.logger != nil {
		c.logger.Debug("failed to write reverse-request response",
			"method", msg.Method,
			"error", werr)
	}
}

// shutdown closes done and drains pending callers.
func (c *Client) shutdown() {
	c.cancel()
	close(c.done)

	// Callers select on done; clearing the map here just drops references.
	c.pendingMu.Lock()
	c.pending = make(map[int64]chan *message)
	c.pendingMu.Unlock()
}
