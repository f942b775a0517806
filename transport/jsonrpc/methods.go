package jsonrpc

import (
	"context"
	"time"

	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/eventlog"
)

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type createConversationParams struct {
	Title           string                   `json:"title"`
	StartingAgentID string                   `json:"startingAgentId"`
	Agents          []conversation.AgentMeta `json:"agents"`
	SchedulerPolicy string                   `json:"schedulerPolicy"`
}

func (s *Server) handleCreateConversation(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[createConversationParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	conv, err := s.orch.CreateConversation(ctx, conversation.Metadata{
		Title:           p.Title,
		StartingAgentID: p.StartingAgentID,
		Agents:          p.Agents,
		SchedulerPolicy: p.SchedulerPolicy,
	})
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}
	return newResponse(req.ID, conv)
}

type getConversationParams struct {
	ConversationID int64 `json:"conversationId"`
}

func (s *Server) handleGetConversation(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[getConversationParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	snap, err := s.orch.Snapshot(ctx, p.ConversationID)
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}
	return newResponse(req.ID, snap)
}

type subscribeParams struct {
	ConversationID  int64 `json:"conversationId"`
	SinceSeq        int64 `json:"sinceSeq"`
	IncludeGuidance bool  `json:"includeGuidance"`
}

func (s *Server) handleSubscribe(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[subscribeParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	sub, err := s.orch.Subscribe(ctx, p.ConversationID, p.SinceSeq, p.IncludeGuidance)
	if err != nil {
		return newErrorResponse(req.ID, CodeSubscriptionFailed, err.Error(), nil)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sc.mu.Lock()
	if existing, ok := sc.subs[p.ConversationID]; ok {
		existing.cancel()
		existing.sub.Close()
	}
	sc.subs[p.ConversationID] = &connSubscription{sub: sub, cancel: cancel}
	sc.mu.Unlock()

	go s.pumpSubscription(subCtx, sc, p.ConversationID, sub)

	return newResponse(req.ID, map[string]any{"subscribed": true, "conversationId": p.ConversationID})
}

// pumpSubscription drains a subscription onto its owning connection as
// "event"/"guidance" notifications until the subscription closes, ctx is
// canceled (unsubscribe or disconnect), or a write fails.
func (s *Server) pumpSubscription(ctx context.Context, sc *serverConn, convID int64, sub *bus.Subscription) {
	for env := range bus.Drain(ctx, sub) {
		var notif *Notification
		switch {
		case env.Event != nil:
			notif = newNotification("event", env.Event)
		case env.Guidance != nil:
			notif = newNotification("guidance", env.Guidance)
		default:
			continue
		}
		if err := sc.writeJSON(notif); err != nil {
			return
		}
	}
}

type unsubscribeParams struct {
	ConversationID int64 `json:"conversationId"`
}

func (s *Server) handleUnsubscribe(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[unsubscribeParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	sc.mu.Lock()
	cs, ok := sc.subs[p.ConversationID]
	if ok {
		delete(sc.subs, p.ConversationID)
	}
	sc.mu.Unlock()

	if ok {
		cs.cancel()
		cs.sub.Close()
	}
	return newResponse(req.ID, map[string]any{"unsubscribed": true})
}

type sendParams struct {
	ConversationID  int64                  `json:"conversationId"`
	AgentID         string                 `json:"agentId"`
	Payload         conversation.Payload   `json:"payload"`
	Finality        conversation.Finality  `json:"finality"`
	ClientRequestID string                 `json:"clientRequestId"`
}

func (s *Server) handleSend(ctx context.Context, sc *serverConn, req Request, evType conversation.EventType) *Response {
	p, err := decodeParams[sendParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	if !sc.bindWriter(p.ConversationID, p.AgentID) {
		return newErrorResponse(req.ID, CodeUnauthorized, "connection already bound to a different (conversation, agent) pair", nil)
	}

	finality := p.Finality
	if evType == conversation.EventTrace {
		finality = conversation.FinalityNone
	} else if finality == "" {
		finality = conversation.FinalityNone
	}

	ev, err := s.orch.Append(ctx, p.ConversationID, eventlog.AppendInput{
		Type:            evType,
		AgentID:         p.AgentID,
		Payload:         p.Payload,
		Finality:        finality,
		ClientRequestID: p.ClientRequestID,
	})
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}
	return newResponse(req.ID, ev)
}

// bindWriter enforces that a connection is bound to at most one
// (conversationId, agentId) pair for write operations, fixed by its first
// sendMessage/sendTrace call.
func (sc *serverConn) bindWriter(convID int64, agentID string) bool {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if !sc.bound {
		sc.bound = true
		sc.boundConv = convID
		sc.boundAgent = agentID
		return true
	}
	return sc.boundConv == convID && sc.boundAgent == agentID
}

type agentsParams struct {
	ConversationID int64    `json:"conversationId"`
	AgentIDs       []string `json:"agentIds"`
}

func (s *Server) handleStartAgents(ctx context.Context, sc *serverConn, req Request) *Response {
	if s.agentHost == nil {
		return newErrorResponse(req.ID, CodeInternalError, "agent host not configured", nil)
	}
	p, err := decodeParams[agentsParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	snap, err := s.orch.Snapshot(ctx, p.ConversationID)
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}

	if err := s.agentHost.Ensure(ctx, p.ConversationID, snap.Conversation.Metadata.Agents, p.AgentIDs); err != nil {
		return newErrorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return newResponse(req.ID, map[string]any{"started": true})
}

func (s *Server) handleStopAgents(ctx context.Context, sc *serverConn, req Request) *Response {
	if s.agentHost == nil {
		return newErrorResponse(req.ID, CodeInternalError, "agent host not configured", nil)
	}
	p, err := decodeParams[agentsParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	if err := s.agentHost.Stop(ctx, p.ConversationID, p.AgentIDs); err != nil {
		return newErrorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return newResponse(req.ID, map[string]any{"stopped": true})
}

type createUserQueryParams struct {
	ConversationID int64  `json:"conversationId"`
	Prompt         string `json:"prompt"`
	TimeoutMs      int    `json:"timeoutMs"`
}

func (s *Server) handleCreateUserQuery(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[createUserQueryParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	timeout := DefaultUserQueryTimeout
	if p.TimeoutMs > 0 {
		timeout = msToDuration(p.TimeoutMs)
	}

	reply, err := s.queries.Ask(ctx, p.ConversationID, p.Prompt, timeout)
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}
	return newResponse(req.ID, map[string]any{"reply": reply})
}

type getAttachmentParams struct {
	ConversationID int64  `json:"conversationId"`
	Name           string `json:"name"`
}

func (s *Server) handleGetAttachment(ctx context.Context, sc *serverConn, req Request) *Response {
	if s.attachments == nil {
		return newErrorResponse(req.ID, CodeInvalidParams, "attachments not configured", nil)
	}
	p, err := decodeParams[getAttachmentParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	att, err := s.attachments(ctx, p.ConversationID, p.Name)
	if err != nil {
		code, msg, data := codeForError(err)
		return newErrorResponse(req.ID, code, msg, data)
	}
	return newResponse(req.ID, att)
}

type respondToUserQueryParams struct {
	QueryID string `json:"queryId"`
	Reply   string `json:"reply"`
}

func (s *Server) handleRespondToUserQuery(ctx context.Context, sc *serverConn, req Request) *Response {
	p, err := decodeParams[respondToUserQueryParams](req)
	if err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	resolved := s.queries.Respond(p.QueryID, p.Reply)
	return newResponse(req.ID, map[string]any{"resolved": resolved})
}
