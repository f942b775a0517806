package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gomcpclient "github.com/mark3labs/mcp-go/client"
	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// ProxyAgent is a Handler that drives a remote orchestrator through the
// same three MCP tools an external client would use, so two Conductor
// processes can bridge conversations with MCP as their only shared
// interface.
type ProxyAgent struct {
	id           string
	client       *gomcpclient.Client
	replyTimeout time.Duration

	mu     sync.Mutex
	remote map[int64]string // local conversation id -> remote conversationId
}

// NewProxyAgent wires a ProxyAgent against an already-initialized MCP
// client connected to the remote Conductor's bridge endpoint.
func NewProxyAgent(id string, client *gomcpclient.Client, replyTimeout time.Duration) *ProxyAgent {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &ProxyAgent{id: id, client: client, replyTimeout: replyTimeout, remote: make(map[int64]string)}
}

var _ agentrt.Handler = (*ProxyAgent)(nil)

func (p *ProxyAgent) AgentID() string { return p.id }

func (p *ProxyAgent) HandleTurn(ctx context.Context, transport agentrt.AgentTransport, convID int64) error {
	remoteID, err := p.ensureRemoteConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("mcp proxy: begin_chat_thread: %w", err)
	}

	_, events, err := transport.Snapshot(ctx, convID)
	if err != nil {
		return fmt.Errorf("mcp proxy: snapshot: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]

	result, err := p.callTool(ctx, "send_message_to_chat_thread", map[string]any{
		"conversationId": remoteID,
		"message":        last.Payload.Text,
	})
	if err != nil {
		return fmt.Errorf("mcp proxy: send_message_to_chat_thread: %w", err)
	}

	if result.Timeout {
		return nil
	}

	finality := conversation.FinalityTurn
	if result.Final {
		finality = conversation.FinalityConversation
	}
	if _, err := transport.PostMessage(ctx, convID, p.id, conversation.Payload{
		Text:        result.Reply,
		Attachments: result.Attachments,
	}, finality, ""); err != nil {
		return fmt.Errorf("mcp proxy: post reply: %w", err)
	}
	return nil
}

func (p *ProxyAgent) ensureRemoteConversation(ctx context.Context, convID int64) (string, error) {
	p.mu.Lock()
	remoteID, ok := p.remote[convID]
	p.mu.Unlock()
	if ok {
		return remoteID, nil
	}

	result, err := p.callTool(ctx, "begin_chat_thread", nil)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.remote[convID] = result.ConversationID
	p.mu.Unlock()
	return result.ConversationID, nil
}

// toolReply is the shape returned by send_message_to_chat_thread,
// wait_for_reply, and begin_chat_thread (fields not relevant to a given
// call are simply left zero-valued).
type toolReply struct {
	ConversationID string                    `json:"conversationId"`
	Reply          string                    `json:"reply"`
	Attachments    []conversation.Attachment `json:"attachments,omitempty"`
	Final          bool                      `json:"final"`
	Timeout        bool                      `json:"timeout"`
}

func (p *ProxyAgent) callTool(ctx context.Context, name string, args map[string]any) (*toolReply, error) {
	// A small buffer over replyTimeout so the remote bridge's own deadline
	// fires first and returns {timeout:true} rather than the
	// client canceling the call out from under it.
	callCtx, cancel := context.WithTimeout(ctx, p.replyTimeout+5*time.Second)
	defer cancel()

	req := gomcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := p.client.CallTool(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError {
		return nil, fmt.Errorf("tool %s returned an error result", name)
	}

	var reply toolReply
	for _, content := range resp.Content {
		text, ok := content.(gomcp.TextContent)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(text.Text), &reply); err != nil {
			return nil, fmt.Errorf("tool %s: parse result: %w", name, err)
		}
		return &reply, nil
	}
	return nil, fmt.Errorf("tool %s: no text content in result", name)
}
