// Package workerrpc is a correlation-id request/response layer between the
// application and a background worker goroutine, mirroring a web worker
// boundary: callers never touch the worker's state directly, every
// interaction is a tagged message.
//
// Wire shape (JSON over an in-process byte channel):
//
//	out: {"type":"request","id":...,"method":...,"requestData":...}
//	in:  {"type":"response","id":...,"response":{"type":"success","value":...}}
//	     {"type":"response","id":...,"response":{"type":"failure","error":...}}
//
// The worker consumes requests sequentially on a single goroutine, which is
// the only mutual-exclusion mechanism the stored state needs. Ordering
// between distinct requests is not guaranteed to callers. Responses are
// delivered exactly once per id; a response for an unknown id is dropped.
//
// There is no call timeout: a hung worker hangs the call until the caller's
// context is cancelled.
//
//	w := workerrpc.NewWorker()
//	w.Handle("compress", compressHandler)
//	client := workerrpc.Start(ctx, w)
//	out, err := client.Call(ctx, "compress", payload)
package workerrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler processes one request payload on the worker goroutine:
// bytes in, bytes out. Errors are serialized back to the caller.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ErrClosed is returned by Call when the worker has shut down.
var ErrClosed = errors.New("workerrpc: worker closed")

type request struct {
	Type        string          `json:"type"` // always "request"
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

type result struct {
	Type  string          `json:"type"` // "success" | "failure"
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

type response struct {
	Type     string `json:"type"` // always "response"
	ID       string `json:"id"`
	Response result `json:"response"`
}

// Worker owns a method registry and the worker side of the message channels.
type Worker struct {
	mu       sync.Mutex
	handlers map[string]Handler

	in  chan []byte // requests, caller -> worker
	out chan []byte // responses, worker -> caller

	logger *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets a custom logger for the worker.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker creates a Worker with no registered methods.
func NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{
		handlers: make(map[string]Handler),
		in:       make(chan []byte, 16),
		out:      make(chan []byte, 16),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Handle registers a method. Registering before Run starts is the normal
// pattern; registrations after that are picked up by subsequent requests.
func (w *Worker) Handle(method string, h Handler) {
	w.mu.Lock()
	w.handlers[method] = h
	w.mu.Unlock()
}

// Run consumes requests sequentially until ctx is cancelled. Requests are
// never processed concurrently: this loop is the lock discipline for any
// state owned by the handlers (the SQLite handle in particular).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(w.out)
			return
		case raw := <-w.in:
			var req request
			if err := json.Unmarshal(raw, &req); err != nil {
				w.logger.Warn("workerrpc: malformed request dropped", "error", err)
				continue
			}
			w.respond(ctx, req.ID, w.dispatch(ctx, &req))
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, req *request) result {
	w.mu.Lock()
	h, ok := w.handlers[req.Method]
	w.mu.Unlock()
	if !ok {
		return result{Type: "failure", Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	value, err := h(ctx, req.RequestData)
	if err != nil {
		return result{Type: "failure", Error: err.Error()}
	}
	return result{Type: "success", Value: value}
}

func (w *Worker) respond(ctx context.Context, id string, res result) {
	raw, err := json.Marshal(response{Type: "response", ID: id, Response: res})
	if err != nil {
		w.logger.Error("workerrpc: response marshal failed", "id", id, "error", err)
		return
	}
	select {
	case w.out <- raw:
	case <-ctx.Done():
	}
}

// Client is the caller side: it tags each call with a fresh id and resolves
// the matching pending call when the response arrives.
type Client struct {
	toWorker chan<- []byte

	mu      sync.Mutex
	pending map[string]chan result
	closed  bool
}

// Start launches the worker loop and the client dispatch loop on ctx and
// returns the connected Client. Cancelling ctx stops both; in-flight calls
// fail with ErrClosed.
func Start(ctx context.Context, w *Worker) *Client {
	c := &Client{
		toWorker: w.in,
		pending:  make(map[string]chan result),
	}
	go w.Run(ctx)
	go c.receive(w.out)
	return c
}

func (c *Client) receive(fromWorker <-chan []byte) {
	for raw := range fromWorker {
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			slog.Warn("workerrpc: malformed response dropped", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Response to an unknown or already-resolved id.
			continue
		}
		ch <- resp.Response
	}

	// Worker closed: fail everything still pending.
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// Call sends one request and waits for its response. The returned bytes are
// the handler's success value; a handler failure comes back as an error with
// the serialized message. A caller that abandons the call via ctx leaves the
// request to complete in the worker; its response is then dropped.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := uuid.Must(uuid.NewV7()).String()

	raw, err := json.Marshal(request{Type: "request", ID: id, Method: method, RequestData: payload})
	if err != nil {
		return nil, fmt.Errorf("workerrpc: marshal request: %w", err)
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case c.toWorker <- raw:
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if res.Type == "failure" {
			return nil, fmt.Errorf("workerrpc: %s: %s", method, res.Error)
		}
		return res.Value, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
