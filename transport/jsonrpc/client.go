package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/conversation"
)

// ClientConfig configures a Client's connection to a Server.
type ClientConfig struct {
	// URL is the "ws://" or "wss://" endpoint, e.g. "ws://host:port/ws".
	URL string
	// Token is sent as "Authorization: Bearer <token>" at handshake, if set.
	Token string
	// Heartbeat is how often the client pings the server to keep the
	// connection alive (defaults to DefaultHeartbeatInterval).
	Heartbeat time.Duration
	Log       *slog.Logger
}

// Client is a reconnecting agentrt.AgentTransport implementation speaking
// this package's wire protocol — the transport used by the agent-join CLI
// to run an agent out-of-process against a Conductor server.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan Response
	streams  map[int64]map[*clientStream]struct{}
	nextID   int64
	closed   bool
}

var _ agentrt.AgentTransport = (*Client)(nil)

// NewClient constructs a Client; the first RPC call establishes the
// connection lazily.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]chan Response),
		streams: make(map[int64]map[*clientStream]struct{}),
	}
}

// Close ends the underlying connection; the Client cannot be reused after.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, conversation.ErrTransportClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	var attempt int
	for {
		attempt++
		header := http.Header{}
		if c.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			go c.readLoop(conn)
			go c.heartbeatLoop(conn)
			return conn, nil
		}

		delay := agentrt.ReconnectBaseDelay
		for i := 1; i < attempt; i++ {
			delay *= agentrt.ReconnectFactor
			if delay >= agentrt.ReconnectMaxDelay {
				delay = agentrt.ReconnectMaxDelay
				break
			}
		}
		c.log.Warn("jsonrpc: dial failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stillCurrent := c.conn == conn
		c.mu.Unlock()
		if !stillCurrent {
			return
		}
		_ = c.callOn(context.Background(), conn, "ping", nil, nil)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.onDisconnect(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		if probe.Method != "" {
			var notif Notification
			if err := json.Unmarshal(data, &notif); err == nil {
				c.dispatchNotification(&notif)
			}
			continue
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		key := fmt.Sprintf("%v", resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) onDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan Response)
	streams := c.streams
	c.streams = make(map[int64]map[*clientStream]struct{})
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, set := range streams {
		for st := range set {
			st.closeDisconnected()
		}
	}
}

func (c *Client) dispatchNotification(n *Notification) {
	switch n.Method {
	case "event":
		var ev conversation.Event
		if !remarshal(n.Params, &ev) {
			return
		}
		c.routeItem(ev.Conversation, agentrt.StreamItem{Event: &ev})
	case "guidance":
		var g conversation.Guidance
		if !remarshal(n.Params, &g) {
			return
		}
		c.routeItem(int64(g.Conversation), agentrt.StreamItem{Guidance: &g})
	}
}

func (c *Client) routeItem(convID int64, item agentrt.StreamItem) {
	c.mu.Lock()
	set := c.streams[convID]
	targets := make([]*clientStream, 0, len(set))
	for st := range set {
		targets = append(targets, st)
	}
	c.mu.Unlock()
	for _, st := range targets {
		st.deliver(item)
	}
}

func remarshal(v any, out any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// call performs a request/response round trip, reconnecting as needed.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	return c.callOn(ctx, conn, method, params, result)
}

func (c *Client) callOn(ctx context.Context, conn *websocket.Conn, method string, params any, result any) error {
	id := fmt.Sprintf("%d", atomic.AddInt64(&c.nextID, 1))
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = encoded
	}
	req := Request{JSONRPC: ProtocolVersion, ID: id, Method: method, Params: raw}

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return conversation.ErrTransportClosed
		}
		if resp.Error != nil {
			return &conversation.Error{Kind: kindForCode(resp.Error.Code), Message: resp.Error.Message, Data: resp.Error.Data}
		}
		if result != nil {
			return remarshalErr(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remarshalErr(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// kindForCode inverts codeForError well enough for agent-side error
// handling to branch on conversation.Kind rather than raw JSON-RPC codes.
func kindForCode(code int) conversation.Kind {
	switch code {
	case CodeUnauthorized:
		return conversation.KindUnauthorized
	case CodeConversationNotFound:
		return conversation.KindUnknownConversation
	case CodeClosedConversation:
		return conversation.KindClosedConversation
	case CodeWrongAuthor:
		return conversation.KindWrongAuthor
	case CodeDuplicateRequest:
		return conversation.KindDuplicateRequest
	case CodeInvalidParams:
		return conversation.KindInvalidParams
	default:
		return conversation.KindInternal
	}
}

func (c *Client) PostMessage(ctx context.Context, convID int64, agentID string, payload conversation.Payload, finality conversation.Finality, clientRequestID string) (*conversation.Event, error) {
	var ev conversation.Event
	err := c.call(ctx, "sendMessage", sendParams{
		ConversationID:  convID,
		AgentID:         agentID,
		Payload:         payload,
		Finality:        finality,
		ClientRequestID: clientRequestID,
	}, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) PostTrace(ctx context.Context, convID int64, agentID string, payload conversation.Payload, clientRequestID string) (*conversation.Event, error) {
	var ev conversation.Event
	err := c.call(ctx, "sendTrace", sendParams{
		ConversationID:  convID,
		AgentID:         agentID,
		Payload:         payload,
		ClientRequestID: clientRequestID,
	}, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) Snapshot(ctx context.Context, convID int64) (*conversation.Conversation, []conversation.Event, error) {
	var snap struct {
		Conversation conversation.Conversation `json:"conversation"`
		Events       []conversation.Event      `json:"events"`
	}
	if err := c.call(ctx, "getConversation", getConversationParams{ConversationID: convID}, &snap); err != nil {
		return nil, nil, err
	}
	return &snap.Conversation, snap.Events, nil
}

func (c *Client) QueryUser(ctx context.Context, convID int64, prompt string, timeout time.Duration) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	err := c.call(ctx, "createUserQuery", createUserQueryParams{
		ConversationID: convID,
		Prompt:         prompt,
		TimeoutMs:      int(timeout / time.Millisecond),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}

func (c *Client) GetAttachment(ctx context.Context, convID int64, name string) (conversation.Attachment, error) {
	var att conversation.Attachment
	err := c.call(ctx, "getAttachment", getAttachmentParams{ConversationID: convID, Name: name}, &att)
	return att, err
}

// Subscribe issues a subscribe RPC and returns a Stream fed by this
// Client's shared read loop, demuxed by conversation ID.
func (c *Client) Subscribe(ctx context.Context, convID int64, sinceSeq int64) (agentrt.Stream, error) {
	st := newClientStream(c, convID)

	c.mu.Lock()
	if c.streams[convID] == nil {
		c.streams[convID] = make(map[*clientStream]struct{})
	}
	c.streams[convID][st] = struct{}{}
	c.mu.Unlock()

	if err := c.call(ctx, "subscribe", subscribeParams{ConversationID: convID, SinceSeq: sinceSeq, IncludeGuidance: true}, nil); err != nil {
		c.forgetStream(convID, st)
		return nil, err
	}
	return st, nil
}

func (c *Client) forgetStream(convID int64, st *clientStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.streams[convID]
	if set == nil {
		return
	}
	delete(set, st)
	if len(set) == 0 {
		delete(c.streams, convID)
	}
}

// clientStream adapts the Client's demuxed notification channel to the
// agentrt.Stream interface.
type clientStream struct {
	client *Client
	convID int64

	ch     chan agentrt.StreamItem
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	lastSeq int64
}

func newClientStream(c *Client, convID int64) *clientStream {
	return &clientStream{client: c, convID: convID, ch: make(chan agentrt.StreamItem, 256), done: make(chan struct{})}
}

func (s *clientStream) deliver(item agentrt.StreamItem) {
	if item.Event != nil {
		s.mu.Lock()
		if item.Event.Seq > s.lastSeq {
			s.lastSeq = item.Event.Seq
		}
		s.mu.Unlock()
	}
	select {
	case s.ch <- item:
	case <-s.done:
	}
}

func (s *clientStream) closeDisconnected() {
	s.once.Do(func() { close(s.done) })
}

func (s *clientStream) Next(ctx context.Context) (agentrt.StreamItem, bool) {
	select {
	case item, ok := <-s.ch:
		if !ok {
			return agentrt.StreamItem{}, false
		}
		return item, true
	case <-s.done:
		return agentrt.StreamItem{}, false
	case <-ctx.Done():
		return agentrt.StreamItem{}, false
	}
}

func (s *clientStream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *clientStream) Close() {
	s.client.forgetStream(s.convID, s)
	s.once.Do(func() { close(s.done) })
}
