// ABOUTME: Tests for the optimistic state store and shadow-delete reconciliation
// ABOUTME: Uses an in-memory fake remote that can refuse deletes like the real store

package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory Remote that records calls and can be told to
// refuse deletes, mimicking row-level authorization.
type fakeRemote struct {
	mu            sync.Mutex
	conversations map[string]*RemoteConversation
	messages      map[string][]*RemoteMessage
	denyDelete    map[string]bool
	failCreate    bool
	failGet       bool
	calls         []string
	nextID        int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		conversations: make(map[string]*RemoteConversation),
		messages:      make(map[string][]*RemoteMessage),
		denyDelete:    make(map[string]bool),
	}
}

func (f *fakeRemote) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRemote) seedConversation(id, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = &RemoteConversation{ID: id, Title: title}
}

func (f *fakeRemote) CreateConversation(_ context.Context, title string) (*RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", title)
	if f.failCreate {
		return nil, errors.New("insert refused")
	}
	f.nextID++
	conv := &RemoteConversation{ID: fmt.Sprintf("conv-%d", f.nextID), Title: title}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeRemote) ListConversations(context.Context) ([]*RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list")
	out := make([]*RemoteConversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeRemote) GetConversation(_ context.Context, id string) (*RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %s", id)
	if f.failGet {
		return nil, errors.New("network down")
	}
	c, ok := f.conversations[id]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	return c, nil
}

func (f *fakeRemote) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete %s", id)
	if f.denyDelete[id] {
		return ErrRemoteDenied
	}
	if _, ok := f.conversations[id]; !ok {
		return ErrRemoteNotFound
	}
	delete(f.conversations, id)
	return nil
}

func (f *fakeRemote) AppendMessage(_ context.Context, conversationID, role, content string) (*RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("append %s %s", conversationID, role)
	if _, ok := f.conversations[conversationID]; !ok {
		return nil, ErrRemoteNotFound
	}
	f.nextID++
	msg := &RemoteMessage{ID: fmt.Sprintf("msg-%d", f.nextID), Role: role, Content: content}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return msg, nil
}

func (f *fakeRemote) ListMessages(_ context.Context, conversationID string) ([]*RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("messages %s", conversationID)
	return append([]*RemoteMessage(nil), f.messages[conversationID]...), nil
}

func (f *fakeRemote) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete-msg %s %s", conversationID, messageID)
	if f.denyDelete[messageID] {
		return ErrRemoteDenied
	}
	msgs := f.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrRemoteNotFound
}

func newTestState(t *testing.T, remote Remote) (*StateStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadow.json")
	shadows, err := LoadShadowSet(path)
	require.NoError(t, err)
	return NewStateStore(remote, shadows), path
}

func TestRefreshFiltersShadowedIDs(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Visible")
	remote.seedConversation("c2", "Hidden")

	state, _ := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("c2"))

	require.NoError(t, state.Refresh(context.Background()))

	convs := state.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
}

func TestDeleteConversationIsLocallyImmediate(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Doomed")
	remote.denyDelete["c1"] = true

	state, _ := newTestState(t, remote)
	require.NoError(t, state.Refresh(context.Background()))
	require.NoError(t, state.SelectConversation(context.Background(), "c1"))

	state.DeleteConversation(context.Background(), "c1")

	// Gone from the list and the active pointer, despite the denied delete.
	assert.Empty(t, state.Conversations())
	assert.Empty(t, state.ActiveID())
	assert.Empty(t, state.Messages())
	assert.True(t, state.shadows.Contains("c1"))
}

func TestShadowRecordedBeforeRemoteDelete(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Doomed")

	path := filepath.Join(t.TempDir(), "shadow.json")
	shadows, err := LoadShadowSet(path)
	require.NoError(t, err)

	// Wrap the remote so the delete call can observe the shadow set state.
	var shadowedAtDeleteTime bool
	state := NewStateStore(&deleteObserver{Remote: remote, onDelete: func(id string) {
		shadowedAtDeleteTime = shadows.Contains(id)
	}}, shadows)

	require.NoError(t, state.Refresh(context.Background()))
	state.DeleteConversation(context.Background(), "c1")

	assert.True(t, shadowedAtDeleteTime, "id must be shadowed before the network delete is attempted")
}

// deleteObserver forwards to a Remote, sampling state just before deletes
type deleteObserver struct {
	Remote
	onDelete func(id string)
}

func (d *deleteObserver) DeleteConversation(ctx context.Context, id string) error {
	d.onDelete(id)
	return d.Remote.DeleteConversation(ctx, id)
}

func TestDeletedConversationStaysGoneAcrossRestart(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Sticky")
	remote.denyDelete["c1"] = true

	path := filepath.Join(t.TempDir(), "shadow.json")
	shadows, err := LoadShadowSet(path)
	require.NoError(t, err)

	state := NewStateStore(remote, shadows)
	require.NoError(t, state.Refresh(context.Background()))
	state.DeleteConversation(context.Background(), "c1")
	assert.Empty(t, state.Conversations())

	// Simulated restart: fresh state store, shadow set reloaded from disk,
	// remote still returns c1.
	reloaded, err := LoadShadowSet(path)
	require.NoError(t, err)
	restarted := NewStateStore(remote, reloaded)
	require.NoError(t, restarted.Refresh(context.Background()))

	assert.Empty(t, restarted.Conversations(), "shadowed conversation must stay hidden after restart")
}

func TestReconcileReleasesConfirmedDeletes(t *testing.T) {
	remote := newFakeRemote()
	state, path := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("gone-1"))

	state.Reconcile(context.Background())

	assert.False(t, state.shadows.Contains("gone-1"))

	// The release is persisted.
	reloaded, err := LoadShadowSet(path)
	require.NoError(t, err)
	assert.False(t, reloaded.Contains("gone-1"))
}

func TestReconcileReissuesDeleteForSurvivors(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Survivor")
	remote.denyDelete["c1"] = true

	state, _ := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("c1"))

	state.Reconcile(context.Background())

	assert.True(t, state.shadows.Contains("c1"), "still-present id must stay shadowed")
	assert.Contains(t, remote.calls, "delete c1", "delete must be re-issued")
}

func TestReconcileKeepsShadowOnTransportError(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Unreachable")
	remote.failGet = true

	state, _ := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("c1"))

	state.Reconcile(context.Background())

	assert.True(t, state.shadows.Contains("c1"), "an unverifiable id must stay shadowed")
	assert.NotContains(t, remote.calls, "delete c1", "no delete may be issued without a presence read")
}

func TestReconcileDeleteSucceedingReleasesOnNextPass(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Fixed later")

	state, _ := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("c1"))

	// First pass: found, delete re-issued and (permissions now allow) succeeds.
	state.Reconcile(context.Background())
	assert.True(t, state.shadows.Contains("c1"))

	// Second pass: confirmed absent, shadow released.
	state.Reconcile(context.Background())
	assert.False(t, state.shadows.Contains("c1"))
}

func TestFirstSendCreatesConversationBeforeMessages(t *testing.T) {
	remote := newFakeRemote()
	state, _ := newTestState(t, remote)

	localID := state.NewConversation("Lease question")
	userID := state.AppendUserMessage("Can my landlord do this?")
	asstID := state.AppendAssistantPlaceholder()

	err := state.CompleteSend(context.Background(), userID, asstID, "Probably not.", nil, nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(remote.calls), 3)
	assert.Equal(t, "create Lease question", remote.calls[0], "conversation record must be created before any message")

	// The transient handle is replaced in exactly one place, no duplicates.
	convs := state.Conversations()
	require.Len(t, convs, 1)
	assert.NotEqual(t, localID, convs[0].ID)
	assert.True(t, convs[0].Persisted)
	assert.Equal(t, convs[0].ID, state.ActiveID())

	// Message ids migrated to the durable ones.
	msgs := state.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.True(t, m.Persisted)
		assert.NotContains(t, m.ID, localIDPrefix)
	}
	assert.Equal(t, "Probably not.", msgs[1].Text)
}

func TestSecondSendReusesConversation(t *testing.T) {
	remote := newFakeRemote()
	state, _ := newTestState(t, remote)

	state.NewConversation("Chat")
	u1 := state.AppendUserMessage("first")
	a1 := state.AppendAssistantPlaceholder()
	require.NoError(t, state.CompleteSend(context.Background(), u1, a1, "one", nil, nil))

	u2 := state.AppendUserMessage("second")
	a2 := state.AppendAssistantPlaceholder()
	require.NoError(t, state.CompleteSend(context.Background(), u2, a2, "two", nil, nil))

	createCount := 0
	for _, call := range remote.calls {
		if call == "create Chat" {
			createCount++
		}
	}
	assert.Equal(t, 1, createCount, "conversation must be created exactly once")
	assert.Len(t, state.Messages(), 4)
}

func TestCreationFailureAbortsSend(t *testing.T) {
	remote := newFakeRemote()
	remote.failCreate = true

	state, _ := newTestState(t, remote)
	state.NewConversation("Chat")
	userID := state.AppendUserMessage("hello")
	asstID := state.AppendAssistantPlaceholder()

	err := state.CompleteSend(context.Background(), userID, asstID, "answer", nil, nil)
	require.Error(t, err)

	assert.Empty(t, state.Messages(), "no partial state may be displayed as sent")
}

func TestDeleteMessageKeepsLocalRemovalOnRemoteFailure(t *testing.T) {
	remote := newFakeRemote()
	state, _ := newTestState(t, remote)

	state.NewConversation("Chat")
	u := state.AppendUserMessage("hello")
	a := state.AppendAssistantPlaceholder()
	require.NoError(t, state.CompleteSend(context.Background(), u, a, "hi", nil, nil))

	msgs := state.Messages()
	require.Len(t, msgs, 2)
	remote.denyDelete[msgs[0].ID] = true

	state.DeleteMessage(context.Background(), msgs[0].ID)

	assert.Len(t, state.Messages(), 1, "local removal stands even when the remote refuses")
	// No shadow entry for messages.
	assert.Equal(t, 0, state.shadows.Len())
}

func TestUnpersistedConversationDeleteSkipsNetwork(t *testing.T) {
	remote := newFakeRemote()
	state, _ := newTestState(t, remote)

	id := state.NewConversation("Draft")
	state.DeleteConversation(context.Background(), id)

	assert.Empty(t, state.Conversations())
	assert.Equal(t, 0, state.shadows.Len())
	assert.Empty(t, remote.calls)
}

func TestSelectShadowedConversationBehavesAsMissing(t *testing.T) {
	remote := newFakeRemote()
	remote.seedConversation("c1", "Hidden")

	state, _ := newTestState(t, remote)
	require.NoError(t, state.shadows.Add("c1"))

	err := state.SelectConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrRemoteNotFound)
}
