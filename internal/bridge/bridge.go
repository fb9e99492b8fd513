// ABOUTME: Bridges HTTP chat-stream requests onto the counsel engine's WebSocket
// ABOUTME: Copies engine fragments verbatim to a chunked response with flushing

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/solon-labs/solon-gateway/internal/streamproto"
)

// SessionValidator checks and renews a chat-session identifier. Touch renews
// the session's inactivity clock and reports whether the id is live.
type SessionValidator interface {
	Touch(id string) bool
}

// StreamRequest is the JSON body of a stream request, and also the single
// frame forwarded to the counsel engine after dialing.
type StreamRequest struct {
	UserInput string `json:"userInput"`
	SessionID string `json:"sessionId"`
}

// Bridge relays one chat prompt per request: dial the engine, forward the
// prompt frame, then copy every text fragment to the HTTP response as it
// arrives. Fragments pass through verbatim, markers included; interpreting
// them is the consumer's job.
type Bridge struct {
	engineURL        string
	sessions         SessionValidator
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	logger           *slog.Logger

	// engineUp records the outcome of the most recent engine dial,
	// feeding the readiness report.
	engineUp atomic.Bool

	// dial is swappable for tests
	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// EngineUp reports whether the most recent engine dial succeeded. False
// until the first stream request dials.
func (b *Bridge) EngineUp() bool {
	return b.engineUp.Load()
}

// New creates a Bridge that dials engineURL and validates session ids
// against sessions.
func New(engineURL string, sessions SessionValidator, handshakeTimeout, idleTimeout time.Duration) *Bridge {
	return &Bridge{
		engineURL:        engineURL,
		sessions:         sessions,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		logger:           slog.Default().With("component", "bridge"),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
	}
}

// ServeHTTP handles POST /chat/stream
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		b.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := parseStreamRequest(r.Body)
	if err != nil {
		b.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		b.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Expired or unknown sessions are reported in-band so the client's
	// stream consumer can trigger a session refresh and retry.
	if !b.sessions.Touch(req.SessionID) {
		b.logger.Info("rejected stream for dead session", "session_id", req.SessionID)
		startStream(w)
		io.WriteString(w, streamproto.ErrMarker+streamproto.InvalidSessionText)
		io.WriteString(w, streamproto.EndToken)
		flusher.Flush()
		return
	}

	ctx := r.Context()

	dialCtx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
	conn, err := b.dial(dialCtx, b.engineURL)
	cancel()
	b.engineUp.Store(err == nil)
	if err != nil {
		b.logger.Error("failed to dial counsel engine", "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "counsel engine unavailable")
		return
	}
	// CloseNow on every exit path tears the engine connection down the
	// moment the caller goes away.
	defer conn.CloseNow()

	frame, err := json.Marshal(req)
	if err != nil {
		b.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		b.logger.Error("failed to send prompt frame", "error", err)
		b.sendJSONError(w, http.StatusBadGateway, "counsel engine unavailable")
		return
	}

	startStream(w)
	flusher.Flush()

	b.relay(ctx, w, flusher, conn)
}

// relay copies engine fragments to the response until the engine closes the
// connection, the caller disconnects, or the engine goes idle too long.
func (b *Bridge) relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, conn *websocket.Conn) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, b.idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				// Engine finished the stream.
			case ctx.Err() != nil:
				b.logger.Debug("caller went away mid-stream")
			case errors.Is(err, context.DeadlineExceeded):
				b.logger.Warn("counsel engine idle timeout", "timeout", b.idleTimeout)
				io.WriteString(w, streamproto.ErrMarker+"counsel engine timed out")
				io.WriteString(w, streamproto.EndToken)
				flusher.Flush()
			default:
				b.logger.Error("engine stream failed", "error", err)
				io.WriteString(w, streamproto.ErrMarker+"counsel engine connection lost")
				io.WriteString(w, streamproto.EndToken)
				flusher.Flush()
			}
			return
		}

		if _, err := w.Write(data); err != nil {
			// Response writer is dead; the deferred CloseNow handles the engine side.
			return
		}
		flusher.Flush()

		// The terminator is the engine's own last fragment; don't wait
		// around for the close handshake once it has been relayed.
		if bytes.Contains(data, []byte(streamproto.EndToken)) {
			return
		}
	}
}

// startStream sets the headers for a chunked plain-text fragment stream
func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// sendJSONError writes a JSON error response.
func (b *Bridge) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseStreamRequest parses and validates a StreamRequest from the given reader.
// Returns an error if the JSON is invalid or required fields are missing.
func parseStreamRequest(r io.Reader) (*StreamRequest, error) {
	var req StreamRequest
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}

	if req.UserInput == "" {
		return nil, fmt.Errorf("userInput is required")
	}

	if req.SessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}

	return &req, nil
}
