// ABOUTME: Client-side stream consumer that turns the chat byte stream into messages
// ABOUTME: Drives placeholder updates, session recovery, and post-completion persistence

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/solon-labs/solon-gateway/internal/citations"
	"github.com/solon-labs/solon-gateway/internal/streamproto"
)

// user-facing notices for in-band stream failures
const (
	transportFailedNotice = "The assistant could not be reached. Please try again."
	sessionExpiredNotice  = "Your session expired. A new one has been set up — please resend your question."
)

// StreamConsumer sends prompts and consumes the resulting fragment stream.
// At most one stream is active per consumer; a new Send aborts the previous
// one. Fragments mutate a single placeholder assistant message in place, so
// the UI has a stable insertion point from the instant the prompt is sent.
type StreamConsumer struct {
	baseURL  string
	httpc    *http.Client
	sessions *SessionManager
	state    *StateStore
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStreamConsumer creates a consumer bound to a session manager and state
// store. A nil httpc uses http.DefaultClient.
func NewStreamConsumer(baseURL string, sessions *SessionManager, state *StateStore, httpc *http.Client) *StreamConsumer {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &StreamConsumer{
		baseURL:  baseURL,
		httpc:    httpc,
		sessions: sessions,
		state:    state,
		logger:   slog.Default().With("component", "stream-consumer"),
	}
}

// Send submits one prompt and streams the answer into the active
// conversation. The user message and an empty assistant placeholder are
// appended to local state before any network traffic, and the placeholder's
// text grows as fragments arrive. After the terminator, the finished text is
// run through citation extraction and both messages are persisted remotely.
//
// In-band stream errors are written into the placeholder and absorbed; only
// transport and persistence failures are returned.
func (c *StreamConsumer) Send(ctx context.Context, text string) error {
	ctx = c.beginStream(ctx)
	defer c.endStream()

	if c.state.ActiveID() == "" {
		c.state.NewConversation(TitleForPrompt(text))
	}

	userMsgID := c.state.AppendUserMessage(text)
	placeholderID := c.state.AppendAssistantPlaceholder()

	sessionID, err := c.sessions.SessionID(ctx)
	if err != nil {
		c.state.SetMessageText(placeholderID, transportFailedNotice)
		return fmt.Errorf("acquiring session: %w", err)
	}

	body, err := c.openStream(ctx, text, sessionID)
	if err != nil {
		c.state.SetMessageText(placeholderID, transportFailedNotice)
		return err
	}
	defer body.Close()

	final, err := c.consume(body, placeholderID)
	if err != nil {
		return err
	}
	if final == nil {
		// Stream ended on an in-band error; nothing to persist.
		return nil
	}

	sources, cases := citations.Extract(*final)
	return c.state.CompleteSend(ctx, userMsgID, placeholderID, *final, sources, cases)
}

// Abort cancels the in-flight stream, if any.
func (c *StreamConsumer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// beginStream cancels any previous stream and registers the new one's
// cancel func as the abort handle.
func (c *StreamConsumer) beginStream(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	return ctx
}

func (c *StreamConsumer) endStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// openStream POSTs the prompt and returns the fragment stream body.
func (c *StreamConsumer) openStream(ctx context.Context, text, sessionID string) (io.ReadCloser, error) {
	payload, err := json.Marshal(map[string]string{
		"userInput": text,
		"sessionId": sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream rejected with status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// consume runs the scanner loop, growing the placeholder as text arrives.
// It returns the finished text on a clean end, nil when the stream ended on
// an in-band error that was already written into the placeholder, and an
// error on transport failure.
func (c *StreamConsumer) consume(body io.Reader, placeholderID string) (*string, error) {
	sc := streamproto.NewScanner(body)
	var acc string

	for {
		ev, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return &acc, nil
		}
		if err != nil {
			c.logger.Error("stream read failed", "error", err)
			c.state.SetMessageText(placeholderID, transportFailedNotice)
			return nil, fmt.Errorf("reading stream: %w", err)
		}

		switch ev.Kind {
		case streamproto.EventText:
			acc += ev.Text
			c.state.SetMessageText(placeholderID, acc)

		case streamproto.EventEnd:
			return &acc, nil

		case streamproto.EventInvalidSession:
			c.logger.Info("backend rejected session, recovering")
			c.sessions.Invalidate()
			c.state.SetMessageText(placeholderID, sessionExpiredNotice)
			// Warm a replacement for the next send; this one is not retried.
			go func() {
				if _, err := c.sessions.SessionID(context.Background()); err != nil {
					c.logger.Warn("background session reacquire failed", "error", err)
				}
			}()
			return nil, nil

		case streamproto.EventError:
			c.logger.Warn("stream ended with backend error", "error", ev.Text)
			c.state.SetMessageText(placeholderID, "The assistant hit a problem: "+ev.Text)
			return nil, nil

		case streamproto.EventToolSkip:
			// Internal backend signal, not user-visible.
		}
	}
}
