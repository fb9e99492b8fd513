// ABOUTME: Tests for the stream consumer against a stubbed gateway
// ABOUTME: Covers fragment accumulation, in-band errors, session recovery, abort

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solon-labs/solon-gateway/internal/streamproto"
)

// gatewayStub fakes the gateway's session and stream endpoints.
type gatewayStub struct {
	respond func(w http.ResponseWriter, r *http.Request, sessionID string)

	mu             sync.Mutex
	minted         int
	streamSessions []string
}

func (g *gatewayStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/session", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.minted++
		id := fmt.Sprintf("sess-%d", g.minted)
		g.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
	})
	mux.HandleFunc("/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserInput string `json:"userInput"`
			SessionID string `json:"sessionId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.streamSessions = append(g.streamSessions, req.SessionID)
		g.mu.Unlock()
		g.respond(w, r, req.SessionID)
	})
	return mux
}

func (g *gatewayStub) sessionsSeen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.streamSessions...)
}

func writeChunks(w http.ResponseWriter, chunks ...string) {
	fl := w.(http.Flusher)
	for _, c := range chunks {
		fmt.Fprint(w, c)
		fl.Flush()
	}
}

func newConsumerFixture(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, sessionID string)) (*StreamConsumer, *StateStore, *fakeRemote, *gatewayStub) {
	t.Helper()

	stub := &gatewayStub{respond: respond}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	shadows, err := LoadShadowSet(filepath.Join(t.TempDir(), "shadow.json"))
	require.NoError(t, err)

	remote := newFakeRemote()
	state := NewStateStore(remote, shadows)
	sessions := NewSessionManager(srv.URL, nil, srv.Client())
	consumer := NewStreamConsumer(srv.URL, sessions, state, srv.Client())
	return consumer, state, remote, stub
}

func TestSendAccumulatesFragmentsIntoAnswer(t *testing.T) {
	consumer, state, remote, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w, "Due ", "process is the answer.", streamproto.EndToken)
	})

	require.NoError(t, consumer.Send(context.Background(), "What protects me here?"))

	msgs := state.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "What protects me here?", msgs[0].Text)
	assert.Equal(t, "Due process is the answer.", msgs[1].Text, "terminator must not leak into the answer")
	assert.True(t, msgs[1].Persisted)

	// Both messages reached the remote store, user first.
	assert.Contains(t, remote.calls, "append conv-1 user")
	assert.Contains(t, remote.calls, "append conv-1 assistant")
}

func TestSendCreatesConversationFromPrompt(t *testing.T) {
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w, "Hello.", streamproto.EndToken)
	})

	require.NoError(t, consumer.Send(context.Background(), "My landlord changed the locks"))

	convs := state.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "My landlord changed the locks", convs[0].Title)
	assert.True(t, convs[0].Persisted)
}

func TestPlaceholderGrowsWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w, "partial ")
		<-release
		writeChunks(w, "answer", streamproto.EndToken)
	})

	done := make(chan error, 1)
	go func() { done <- consumer.Send(context.Background(), "q") }()

	require.Eventually(t, func() bool {
		msgs := state.Messages()
		return len(msgs) == 2 && msgs[1].Text == "partial "
	}, 2*time.Second, 10*time.Millisecond, "placeholder must show partial text mid-stream")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "partial answer", state.Messages()[1].Text)
}

func TestCitationsExtractedFromFinishedAnswer(t *testing.T) {
	answer := "See [Tenant Rights Guide](https://example.com/guide) and *Green v. Superior Court*, 10 Cal.3d 616 (1974)."
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w, answer, streamproto.EndToken)
	})

	require.NoError(t, consumer.Send(context.Background(), "q"))

	msgs := state.Messages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Sources, 1)
	assert.Equal(t, "https://example.com/guide", msgs[1].Sources[0].URL)
	require.Len(t, msgs[1].RelatedCases, 1)
	assert.Equal(t, "Green v. Superior Court", msgs[1].RelatedCases[0].Name)
}

func TestToolFragmentsAreDiscarded(t *testing.T) {
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w,
			"Consulting ",
			streamproto.ToolMarker+"statute_lookup args=ca-civ-1942\n",
			"the statute.",
			streamproto.EndToken,
		)
	})

	require.NoError(t, consumer.Send(context.Background(), "q"))

	assert.Equal(t, "Consulting the statute.", state.Messages()[1].Text)
}

func TestStreamCutOffInToolFragmentNotPersisted(t *testing.T) {
	consumer, state, remote, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		// Connection drops mid tool fragment, no terminator.
		writeChunks(w, "partial answer ", streamproto.ToolMarker+"case-lookup")
	})

	err := consumer.Send(context.Background(), "q")
	require.Error(t, err)

	assert.Equal(t, transportFailedNotice, state.Messages()[1].Text)
	assert.Empty(t, remote.calls, "a truncated answer must not be persisted")
}

func TestBackendErrorShownInline(t *testing.T) {
	consumer, state, remote, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		writeChunks(w, streamproto.ErrMarker, "engine exploded", streamproto.EndToken)
	})

	require.NoError(t, consumer.Send(context.Background(), "q"), "in-band errors are absorbed")

	msgs := state.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "The assistant hit a problem: engine exploded", msgs[1].Text)
	assert.Empty(t, remote.calls, "a failed answer must not be persisted")
}

func TestInvalidSessionRecoversWithoutRetry(t *testing.T) {
	consumer, state, remote, stub := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, sessionID string) {
		if sessionID == "sess-1" {
			writeChunks(w, streamproto.ErrMarker, streamproto.InvalidSessionText, streamproto.EndToken)
			return
		}
		writeChunks(w, "fresh answer", streamproto.EndToken)
	})

	require.NoError(t, consumer.Send(context.Background(), "first"))

	// The failed send shows the recovery notice and persists nothing.
	msgs := state.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, sessionExpiredNotice, msgs[1].Text)
	assert.Empty(t, remote.calls)
	assert.Len(t, stub.sessionsSeen(), 1, "the failed send must not be retried")

	// The next send transmits with a freshly acquired session.
	require.NoError(t, consumer.Send(context.Background(), "second"))

	seen := stub.sessionsSeen()
	require.Len(t, seen, 2)
	assert.Equal(t, "sess-1", seen[0])
	assert.NotEqual(t, "sess-1", seen[1], "stale session id must not be reused")
	assert.Equal(t, "fresh answer", state.Messages()[3].Text)
}

func TestStreamRejectionReturnsError(t *testing.T) {
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, _ *http.Request, _ string) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := consumer.Send(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, transportFailedNotice, state.Messages()[1].Text)
}

func TestAbortCancelsInFlightStream(t *testing.T) {
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		writeChunks(w, "thinking")
		<-r.Context().Done()
	})

	done := make(chan error, 1)
	go func() { done <- consumer.Send(context.Background(), "q") }()

	require.Eventually(t, func() bool {
		msgs := state.Messages()
		return len(msgs) == 2 && msgs[1].Text == "thinking"
	}, 2*time.Second, 10*time.Millisecond)

	consumer.Abort()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted send did not return")
	}
}

func TestNewSendAbortsPreviousStream(t *testing.T) {
	firstGone := make(chan struct{})
	var calls sync.Once
	consumer, state, _, _ := newConsumerFixture(t, func(w http.ResponseWriter, r *http.Request, _ string) {
		first := false
		calls.Do(func() { first = true })
		if first {
			writeChunks(w, "stale")
			<-r.Context().Done()
			close(firstGone)
			return
		}
		writeChunks(w, "current", streamproto.EndToken)
	})

	go consumer.Send(context.Background(), "first")

	require.Eventually(t, func() bool {
		msgs := state.Messages()
		return len(msgs) == 2 && msgs[1].Text == "stale"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, consumer.Send(context.Background(), "second"))

	select {
	case <-firstGone:
	case <-time.After(2 * time.Second):
		t.Fatal("previous stream was not torn down")
	}
}
