// ABOUTME: Minimal fake counsel engine for E2E testing — serves the WebSocket stream protocol.
// ABOUTME: Usage: fake-counsel [-addr localhost:9090] [-delay 50ms] [-max-sessions 0]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/solon-labs/solon-gateway/internal/streamproto"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between fragments")
	maxSessions := flag.Int("max-sessions", 0, "reject session ids after this many distinct ones (0 = accept all)")
	flag.Parse()

	if err := run(*addr, *delay, *maxSessions); err != nil {
		log.Fatal(err)
	}
}

type engine struct {
	delay       time.Duration
	maxSessions int

	mu   sync.Mutex
	seen map[string]bool
}

// streamRequest is the single frame the gateway sends after connecting.
type streamRequest struct {
	UserInput string `json:"userInput"`
	SessionID string `json:"sessionId"`
}

func run(addr string, delay time.Duration, maxSessions int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	eng := &engine{delay: delay, maxSessions: maxSessions, seen: make(map[string]bool)}

	srv := &http.Server{
		Addr:    addr,
		Handler: http.HandlerFunc(eng.serve),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fake-counsel listening on ws://%s/stream\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (e *engine) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("accept error: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		log.Printf("read request error: %v", err)
		return
	}

	var req streamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("bad request frame: %v", err)
		return
	}

	log.Printf("request [session %s]: %s", req.SessionID, req.UserInput)

	if !e.admitSession(req.SessionID) {
		e.send(ctx, conn, streamproto.ErrMarker+streamproto.InvalidSessionText+streamproto.EndToken)
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	for _, fragment := range fragments(echoReply(req.UserInput)) {
		if err := e.send(ctx, conn, fragment); err != nil {
			log.Printf("send error: %v", err)
			return
		}
		time.Sleep(e.delay)
	}

	if err := e.send(ctx, conn, streamproto.EndToken); err != nil {
		log.Printf("send terminator error: %v", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// admitSession tracks distinct session ids and, when max-sessions is set,
// rejects ids past the cap so session-expiry handling can be exercised.
func (e *engine) admitSession(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seen[id] {
		return true
	}
	if e.maxSessions > 0 && len(e.seen) >= e.maxSessions {
		return false
	}
	e.seen[id] = true
	return true
}

func (e *engine) send(ctx context.Context, conn *websocket.Conn, text string) error {
	return conn.Write(ctx, websocket.MessageText, []byte(text))
}

// fragments splits a reply into word-sized chunks to simulate token streaming.
func fragments(reply string) []string {
	words := strings.SplitAfter(reply, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "case") || strings.Contains(lower, "cite") {
		return "Courts have addressed this before. See *Green v. Superior Court*, 10 Cal.3d 616 (1974) " +
			"and the [self-help guide](https://example.com/tenant-rights) for background."
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your question and am responding with some *formatted* text.", input)
}
