// Package mcp bridges a foreign MCP client session to one internal
// conversation: begin_chat_thread/send_message_to_chat_thread/
// wait_for_reply are exposed as MCP tools over a Bridge, and the same three
// tools drive a remote orchestrator from an MCP Proxy Agent for
// orchestrator-to-orchestrator loopback.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
	"github.com/agentweave/conductor/host"
	"github.com/agentweave/conductor/orchestrator"
)

// DefaultReplyTimeout bounds how long send_message_to_chat_thread and
// wait_for_reply block for a counterpart reply.
const DefaultReplyTimeout = 30 * time.Second

// DefaultExternalAgentID is the roster id standing in for the foreign MCP
// peer inside the internal conversation.
const DefaultExternalAgentID = "external"

// Bridge exposes begin_chat_thread/send_message_to_chat_thread/
// wait_for_reply as MCP tools, each internal conversation pairing
// InternalAgent against a single external peer identified by ExternalAgentID.
type Bridge struct {
	orch            *orchestrator.Orchestrator
	agentHost       *host.Host
	internalAgent   conversation.AgentMeta
	externalAgentID string
	replyTimeout    time.Duration
	log             *slog.Logger
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithAgentHost wires an Agent Host so begin_chat_thread starts the
// internal counterpart immediately instead of leaving it to resumeAll.
func WithAgentHost(h *host.Host) Option {
	return func(b *Bridge) { b.agentHost = h }
}

// WithExternalAgentID overrides DefaultExternalAgentID.
func WithExternalAgentID(id string) Option {
	return func(b *Bridge) { b.externalAgentID = id }
}

// WithReplyTimeout overrides DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.replyTimeout = d }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// NewBridge constructs a Bridge. internalAgent describes the scenario/
// assistant agent every new thread is paired with.
func NewBridge(orch *orchestrator.Orchestrator, internalAgent conversation.AgentMeta, opts ...Option) *Bridge {
	b := &Bridge{
		orch:            orch,
		internalAgent:   internalAgent,
		externalAgentID: DefaultExternalAgentID,
		replyTimeout:    DefaultReplyTimeout,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterTools mounts begin_chat_thread/send_message_to_chat_thread/
// wait_for_reply onto s.
func (b *Bridge) RegisterTools(s *server.MCPServer) {
	s.AddTool(gomcp.NewTool("begin_chat_thread",
		gomcp.WithDescription("Start a new internal conversation and return its id."),
	), b.handleBeginChatThread)

	s.AddTool(gomcp.NewTool("send_message_to_chat_thread",
		gomcp.WithDescription("Send a message into an internal conversation and wait for the counterpart's reply."),
		gomcp.WithString("conversationId", gomcp.Required(), gomcp.Description("id returned by begin_chat_thread")),
		gomcp.WithString("message", gomcp.Required(), gomcp.Description("message text")),
	), b.handleSendMessage)

	s.AddTool(gomcp.NewTool("wait_for_reply",
		gomcp.WithDescription("Wait for the counterpart's next reply without sending a message."),
		gomcp.WithString("conversationId", gomcp.Required(), gomcp.Description("id returned by begin_chat_thread")),
	), b.handleWaitForReply)
}

func (b *Bridge) handleBeginChatThread(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	conv, err := b.orch.CreateConversation(ctx, conversation.Metadata{
		StartingAgentID: b.internalAgent.ID,
		Agents:          []conversation.AgentMeta{b.internalAgent, {ID: b.externalAgentID}},
	})
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	if b.agentHost != nil {
		if err := b.agentHost.Ensure(ctx, conv.ID, conv.Metadata.Agents, nil); err != nil {
			b.log.Error("mcp bridge: failed to start internal agent", "conversation", conv.ID, "err", err)
		}
	}

	return jsonResult(map[string]any{"conversationId": strconv.FormatInt(conv.ID, 10)})
}

type sendMessageArgs struct {
	ConversationID string                    `json:"conversationId"`
	Message        string                    `json:"message"`
	Attachments    []conversation.Attachment `json:"attachments,omitempty"`
}

func (b *Bridge) handleSendMessage(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	var args sendMessageArgs
	if err := bindArgs(req, &args); err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	convID, err := parseConvID(args.ConversationID)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	ev, err := b.orch.Append(ctx, convID, eventlog.AppendInput{
		Type:     conversation.EventMessage,
		AgentID:  b.externalAgentID,
		Payload:  conversation.Payload{Text: args.Message, Attachments: args.Attachments},
		Finality: conversation.FinalityTurn,
	})
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	return b.awaitReply(ctx, convID, ev.Seq)
}

type waitForReplyArgs struct {
	ConversationID string `json:"conversationId"`
}

func (b *Bridge) handleWaitForReply(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	var args waitForReplyArgs
	if err := bindArgs(req, &args); err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	convID, err := parseConvID(args.ConversationID)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	snap, err := b.orch.Snapshot(ctx, convID)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	return b.awaitReply(ctx, convID, snap.Conversation.LastClosedSeq)
}

// awaitReply blocks until an event authored by someone other than the
// external peer closes a turn (or the conversation reaches finality), or
// replyTimeout elapses. Internal agents may post any number of traces
// (finality=none) before the event that actually closes the turn; awaitReply
// accumulates their text and only returns once a closing event arrives, so a
// trace-then-message turn isn't truncated to just the trace.
func (b *Bridge) awaitReply(ctx context.Context, convID int64, sinceSeq int64) (*gomcp.CallToolResult, error) {
	sub, err := b.orch.Subscribe(ctx, convID, sinceSeq, false)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	defer sub.Close()

	deadline := time.NewTimer(b.replyTimeout)
	defer deadline.Stop()

	var texts []string
	var attachments []conversation.Attachment

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return jsonResult(map[string]any{"timeout": true})
			}
			ev := env.Event
			if ev == nil || ev.AgentID == b.externalAgentID {
				continue
			}
			if ev.Payload.Text != "" {
				texts = append(texts, ev.Payload.Text)
			}
			attachments = append(attachments, ev.Payload.Attachments...)
			if !ev.ClosesTurn() {
				continue
			}
			return jsonResult(map[string]any{
				"reply":       strings.Join(texts, "\n"),
				"attachments": attachments,
				"final":       ev.ClosesConversation(),
			})
		case <-deadline.C:
			return jsonResult(map[string]any{"timeout": true})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func parseConvID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid conversationId %q: %w", s, err)
	}
	return id, nil
}

// bindArgs decodes an MCP tool call's arguments into out via a JSON
// round trip, mirroring transport/jsonrpc's decodeParams pattern.
func bindArgs(req gomcp.CallToolRequest, out any) error {
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func jsonResult(v any) (*gomcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return gomcp.NewToolResultText(string(data)), nil
}
