package jsonrpc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/auth"
	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/orchestrator"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, string) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	b := bus.New(store, 16)
	orch := orchestrator.New(store, b)
	t.Cleanup(func() { orch.Close() })

	s := New(orch, opts...)
	r := chi.NewRouter()
	s.RegisterRoutes(r)

	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	return hs, wsURL
}

func TestServer_PingRoundTrip(t *testing.T) {
	_, wsURL := newTestServer(t)
	c := NewClient(ClientConfig{URL: wsURL})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]string
	require.NoError(t, c.call(ctx, "ping", nil, &out))
	require.Equal(t, "ok", out["pong"])
}

func TestServer_CreateAndGetConversation(t *testing.T) {
	_, wsURL := newTestServer(t)
	c := NewClient(ClientConfig{URL: wsURL})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conv conversation.Conversation
	require.NoError(t, c.call(ctx, "createConversation", createConversationParams{
		Title:           "t1",
		StartingAgentID: "echo",
		Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "echo", Class: "echo"}},
	}, &conv))
	require.NotZero(t, conv.ID)

	var snap struct {
		Conversation conversation.Conversation `json:"conversation"`
		Events       []conversation.Event      `json:"events"`
	}
	require.NoError(t, c.call(ctx, "getConversation", getConversationParams{ConversationID: conv.ID}, &snap))
	require.Equal(t, conv.ID, snap.Conversation.ID)
	require.Len(t, snap.Events, 0)
}

func TestClient_PostMessageAndSubscribeDeliversEvent(t *testing.T) {
	_, wsURL := newTestServer(t)
	writer := NewClient(ClientConfig{URL: wsURL})
	defer writer.Close()
	reader := NewClient(ClientConfig{URL: wsURL})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conv conversation.Conversation
	require.NoError(t, writer.call(ctx, "createConversation", createConversationParams{
		StartingAgentID: "echo",
		Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "echo", Class: "echo"}},
	}, &conv))

	stream, err := reader.Subscribe(ctx, conv.ID, 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := writer.PostMessage(ctx, conv.ID, "user", conversation.Payload{Text: "hi"}, conversation.FinalityTurn, "")
	require.NoError(t, err)
	require.Equal(t, "hi", ev.Payload.Text)

	item, ok := stream.Next(ctx)
	require.True(t, ok)
	require.NotNil(t, item.Event)
	require.Equal(t, "hi", item.Event.Payload.Text)
	require.Equal(t, conv.ID, item.Event.Conversation)
}

func TestServer_RejectsUnauthorizedHandshake(t *testing.T) {
	_, wsURL := newTestServer(t, WithValidator(auth.NewBearerValidator("secret")))

	c := NewClient(ClientConfig{URL: wsURL})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]string
	err := c.call(ctx, "ping", nil, &out)
	require.Error(t, err)
}

func TestServer_AcceptsValidBearerToken(t *testing.T) {
	_, wsURL := newTestServer(t, WithValidator(auth.NewBearerValidator("secret")))

	c := NewClient(ClientConfig{URL: wsURL, Token: "secret"})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]string
	require.NoError(t, c.call(ctx, "ping", nil, &out))
	require.Equal(t, "ok", out["pong"])
}

func TestServer_SendMessageBindsConnectionToAgent(t *testing.T) {
	_, wsURL := newTestServer(t)
	c := NewClient(ClientConfig{URL: wsURL})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conv conversation.Conversation
	require.NoError(t, c.call(ctx, "createConversation", createConversationParams{
		StartingAgentID: "echo",
		Agents:          []conversation.AgentMeta{{ID: "user"}, {ID: "echo", Class: "echo"}},
	}, &conv))

	_, err := c.PostMessage(ctx, conv.ID, "user", conversation.Payload{Text: "first"}, conversation.FinalityTurn, "")
	require.NoError(t, err)

	_, err = c.PostMessage(ctx, conv.ID, "echo", conversation.Payload{Text: "wrong author"}, conversation.FinalityNone, "")
	require.Error(t, err)
	var convErr *conversation.Error
	require.ErrorAs(t, err, &convErr)
	require.Equal(t, conversation.KindUnauthorized, convErr.Kind)
}
