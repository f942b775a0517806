package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/orchestrator"
)

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	store := eventlog.NewMemoryStore()
	b := bus.New(store, 16)
	orch := orchestrator.New(store, b)
	t.Cleanup(func() { orch.Close() })

	return NewBridge(orch, conversation.AgentMeta{ID: "assistant", Class: "echo"}, opts...)
}

func callRequest(args map[string]any) gomcp.CallToolRequest {
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func decodeResult(t *testing.T, result *gomcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(gomcp.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestBridge_BeginChatThreadCreatesConversation(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	result, err := b.handleBeginChatThread(ctx, callRequest(nil))
	require.NoError(t, err)

	out := decodeResult(t, result)
	require.NotEmpty(t, out["conversationId"])
}

func TestBridge_SendMessageWaitsForCounterpartReply(t *testing.T) {
	b := newTestBridge(t, WithReplyTimeout(2*time.Second))
	ctx := context.Background()

	beginResult, err := b.handleBeginChatThread(ctx, callRequest(nil))
	require.NoError(t, err)
	convID := decodeResult(t, beginResult)["conversationId"].(string)

	go func() {
		convIDInt, err := parseConvID(convID)
		require.NoError(t, err)
		for {
			snap, err := b.orch.Snapshot(ctx, convIDInt)
			if err == nil && len(snap.Events) > 0 {
				_, err := b.orch.Append(ctx, convIDInt, eventlog.AppendInput{
					Type:     conversation.EventMessage,
					AgentID:  "assistant",
					Payload:  conversation.Payload{Text: "hello back"},
					Finality: conversation.FinalityTurn,
				})
				require.NoError(t, err)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := b.handleSendMessage(ctx, callRequest(map[string]any{
		"conversationId": convID,
		"message":        "hi there",
	}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	require.Equal(t, "hello back", out["reply"])
	require.Nil(t, out["timeout"])
}

func TestBridge_SendMessageTimesOutWithoutReply(t *testing.T) {
	b := newTestBridge(t, WithReplyTimeout(30*time.Millisecond))
	ctx := context.Background()

	beginResult, err := b.handleBeginChatThread(ctx, callRequest(nil))
	require.NoError(t, err)
	convID := decodeResult(t, beginResult)["conversationId"].(string)

	result, err := b.handleSendMessage(ctx, callRequest(map[string]any{
		"conversationId": convID,
		"message":        "is anybody there",
	}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	require.Equal(t, true, out["timeout"])
}

func TestBridge_SendMessageAccumulatesTraceBeforeClosingMessage(t *testing.T) {
	b := newTestBridge(t, WithReplyTimeout(2*time.Second))
	ctx := context.Background()

	beginResult, err := b.handleBeginChatThread(ctx, callRequest(nil))
	require.NoError(t, err)
	convID := decodeResult(t, beginResult)["conversationId"].(string)

	go func() {
		convIDInt, err := parseConvID(convID)
		require.NoError(t, err)
		for {
			snap, err := b.orch.Snapshot(ctx, convIDInt)
			if err == nil && len(snap.Events) > 0 {
				// A trace needs an open turn, so open one with a
				// non-closing message first.
				_, err := b.orch.Append(ctx, convIDInt, eventlog.AppendInput{
					Type:     conversation.EventMessage,
					AgentID:  "assistant",
					Payload:  conversation.Payload{Text: "on it"},
					Finality: conversation.FinalityNone,
				})
				require.NoError(t, err)
				_, err = b.orch.Append(ctx, convIDInt, eventlog.AppendInput{
					Type:     conversation.EventTrace,
					AgentID:  "assistant",
					Payload:  conversation.Payload{Text: "thinking..."},
					Finality: conversation.FinalityNone,
				})
				require.NoError(t, err)
				_, err = b.orch.Append(ctx, convIDInt, eventlog.AppendInput{
					Type:     conversation.EventMessage,
					AgentID:  "assistant",
					Payload:  conversation.Payload{Text: "hello back"},
					Finality: conversation.FinalityTurn,
				})
				require.NoError(t, err)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := b.handleSendMessage(ctx, callRequest(map[string]any{
		"conversationId": convID,
		"message":        "hi there",
	}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	require.Equal(t, "on it\nthinking...\nhello back", out["reply"])
	require.Equal(t, false, out["final"])
	require.Nil(t, out["timeout"])
}

func TestBridge_WaitForReplyWithoutSending(t *testing.T) {
	b := newTestBridge(t, WithReplyTimeout(2*time.Second))
	ctx := context.Background()

	beginResult, err := b.handleBeginChatThread(ctx, callRequest(nil))
	require.NoError(t, err)
	convID := decodeResult(t, beginResult)["conversationId"].(string)
	convIDInt, err := parseConvID(convID)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, err := b.orch.Append(ctx, convIDInt, eventlog.AppendInput{
			Type:     conversation.EventMessage,
			AgentID:  "assistant",
			Payload:  conversation.Payload{Text: "unprompted greeting"},
			Finality: conversation.FinalityConversation,
		})
		require.NoError(t, err)
	}()

	result, err := b.handleWaitForReply(ctx, callRequest(map[string]any{"conversationId": convID}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	require.Equal(t, "unprompted greeting", out["reply"])
	require.Equal(t, true, out["final"])
}
