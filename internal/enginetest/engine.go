// ABOUTME: In-process fake counsel engine for tests, speaking the WebSocket protocol
// ABOUTME: Records dials, received prompts, and teardowns so tests can assert on them

package enginetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/solon-labs/solon-gateway/internal/streamproto"
)

// Request is the single JSON frame a caller sends after dialing
type Request struct {
	UserInput string `json:"userInput"`
	SessionID string `json:"sessionId"`
}

// SendFunc emits one text fragment to the connected caller
type SendFunc func(fragment string) error

// Responder produces the fragment stream for one request. The context is
// canceled when the caller disconnects. Returning a non-nil error drops the
// connection without a terminator, simulating an engine crash.
type Responder func(ctx context.Context, req Request, send SendFunc) error

// Engine is a fake counsel engine backed by an httptest server. Each dial is
// handled on its own goroutine; the zero of every counter is meaningful, so
// tests can assert "no dial happened" as easily as "exactly one did".
type Engine struct {
	srv *httptest.Server

	mu       sync.Mutex
	dials    int
	closes   int
	requests []Request

	respond Responder
}

// New starts a fake engine whose streams are produced by respond. Responders
// needn't send the end-of-stream token; the engine appends it when the
// responder returns nil. The server is torn down with the test.
func New(t interface{ Cleanup(func()) }, respond Responder) *Engine {
	e := &Engine{respond: respond}
	e.srv = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.srv.Close)
	return e
}

// URL returns the ws:// address callers should dial
func (e *Engine) URL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

// Dials returns how many WebSocket connections were accepted
func (e *Engine) Dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

// Closes returns how many accepted connections have fully torn down
func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Requests returns a copy of every request frame received so far
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	e.mu.Lock()
	e.dials++
	e.mu.Unlock()

	defer func() {
		conn.CloseNow()
		e.mu.Lock()
		e.closes++
		e.mu.Unlock()
	}()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	// Callers never send a second frame, so a read completing means the
	// peer went away. That cancels the responder's context.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		conn.Read(ctx)
		cancel()
	}()

	send := func(fragment string) error {
		return conn.Write(connCtx, websocket.MessageText, []byte(fragment))
	}

	if err := e.respond(connCtx, req, send); err != nil {
		return
	}

	send(streamproto.EndToken)
	conn.Close(websocket.StatusNormalClosure, "")
}

// Scripted returns a responder that plays back the given fragments in order.
func Scripted(fragments ...string) Responder {
	return func(_ context.Context, _ Request, send SendFunc) error {
		for _, f := range fragments {
			if err := send(f); err != nil {
				return err
			}
		}
		return nil
	}
}

// RejectingSessions returns a responder that answers requests carrying a
// session id outside valid with the invalid-session error, and otherwise
// defers to next.
func RejectingSessions(valid map[string]bool, next Responder) Responder {
	return func(ctx context.Context, req Request, send SendFunc) error {
		if req.SessionID != "" && !valid[req.SessionID] {
			if err := send(streamproto.ErrMarker + streamproto.InvalidSessionText); err != nil {
				return err
			}
			return nil
		}
		return next(ctx, req, send)
	}
}

// Hanging returns a responder that sends the given fragments and then blocks
// until the caller disconnects, never terminating the stream. Useful for idle
// timeout and caller-abort tests.
func Hanging(fragments ...string) Responder {
	return func(ctx context.Context, _ Request, send SendFunc) error {
		for _, f := range fragments {
			if err := send(f); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}
