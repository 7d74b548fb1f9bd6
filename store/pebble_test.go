package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/docchat/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func persisted(id int64, role session.Role, content string) session.Message {
	return session.Message{
		ID:        session.PersistedID(id),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "sess-1", "research notes")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", meta.ID)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "research notes", got.Title)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveAndLoadMessagesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateSession(ctx, "sess-1", "")
	require.NoError(t, err)

	// Out of order writes; ids 9 and 10 also check that key padding keeps
	// numeric order.
	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(10, session.RoleAssistant, "second answer")))
	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(2, session.RoleAssistant, "first answer")))
	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(1, session.RoleUser, "first question")))
	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(9, session.RoleUser, "second question")))

	msgs, err := s.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, []int64{1, 2, 9, 10}, []int64{
		msgs[0].ID.Value, msgs[1].ID.Value, msgs[2].ID.Value, msgs[3].ID.Value,
	})
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
}

func TestSaveMessageIsIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(5, session.RoleUser, "v1")))
	require.NoError(t, s.SaveMessage(ctx, "sess-1", persisted(5, session.RoleUser, "v2")))

	msgs, err := s.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2", msgs[0].Content)
}

func TestUnconfirmedMessagesAreRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveMessage(ctx, "sess-1", session.Message{
		ID:      session.NewOptimisticID(),
		Role:    session.RoleUser,
		Content: "not confirmed yet",
	})
	assert.Error(t, err)

	// Status entries are silently skipped, not persisted.
	require.NoError(t, s.SaveMessage(ctx, "sess-1", session.Message{
		ID:         session.NewStatusID(),
		Role:       session.RoleAssistant,
		Content:    "Searching documents...",
		StatusTask: "search",
	}))

	msgs, err := s.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessageRoundTripKeepsToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := persisted(3, session.RoleAssistant, "done")
	msg.AgentName = "researcher"
	msg.TokensUsed = 12
	msg.ToolCalls = []session.ToolCall{{
		ID:               "tc-1",
		Tool:             "delete_document",
		Args:             map[string]interface{}{"id": "doc-7"},
		Status:           "completed",
		RequiresApproval: true,
		Result:           json.RawMessage(`"ok"`),
	}}
	require.NoError(t, s.SaveMessage(ctx, "sess-1", msg))

	msgs, err := s.LoadMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "delete_document", msgs[0].ToolCalls[0].Tool)
	assert.Equal(t, "doc-7", msgs[0].ToolCalls[0].Args["id"])
	assert.Equal(t, "researcher", msgs[0].AgentName)
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "old", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.CreateSession(ctx, "new", "")
	require.NoError(t, err)

	// Activity on the older session moves it to the front.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SaveMessage(ctx, "old", persisted(1, session.RoleUser, "hi")))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "old", sessions[0].ID)
	assert.Equal(t, "new", sessions[1].ID)
}

func TestMessagesDoNotLeakAcrossSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, "sess-a", persisted(1, session.RoleUser, "a")))
	require.NoError(t, s.SaveMessage(ctx, "sess-b", persisted(1, session.RoleUser, "b")))

	msgs, err := s.LoadMessages(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Content)
}
