package jsonrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentweave/conductor/agentrt"
	"github.com/agentweave/conductor/auth"
	"github.com/agentweave/conductor/bus"
	"github.com/agentweave/conductor/conversation"
	"github.com/agentweave/conductor/host"
	"github.com/agentweave/conductor/orchestrator"
)

// DefaultHeartbeatInterval is how often the server expects a client ping
// before it considers the connection stale.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultUserQueryTimeout is applied when a createUserQuery call omits
// timeoutMs.
const DefaultUserQueryTimeout = 5 * time.Minute

// Server is the WebSocket JSON-RPC 2.0 endpoint in front of an
// Orchestrator and (optionally) an Agent Host.
type Server struct {
	orch        *orchestrator.Orchestrator
	agentHost   *host.Host
	validator   auth.Validator
	attachments agentrt.AttachmentResolver
	log         *slog.Logger

	heartbeat time.Duration
	upgrader  websocket.Upgrader

	queries *userQueryRegistry

	mu    sync.RWMutex
	conns map[string]*serverConn
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithValidator enables auth: every connection must present
// "Authorization: Bearer <token>" at handshake.
func WithValidator(v auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithAgentHost enables startAgents/stopAgents by wiring an Agent Host.
func WithAgentHost(h *host.Host) Option {
	return func(s *Server) { s.agentHost = h }
}

// WithAttachments enables getAttachment by wiring a resolver.
func WithAttachments(r agentrt.AttachmentResolver) Option {
	return func(s *Server) { s.attachments = r }
}

// WithHeartbeat overrides the default heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New constructs a Server around orch.
func New(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		log:       slog.Default(),
		heartbeat: DefaultHeartbeatInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queries = newUserQueryRegistry(s.broadcast)
	return s
}

// RegisterRoutes mounts the WebSocket endpoint at "/ws" under r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/ws", s.handleWebsocket)
}

// serverConn is one authenticated WebSocket connection's server-side state.
type serverConn struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	claims   *auth.Claims
	boundAgent string
	boundConv  int64
	bound      bool

	mu   sync.Mutex
	subs map[int64]*connSubscription
}

type connSubscription struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.Authenticate(r.Context(), s.validator, r.Header.Get("Authorization"))
	if err != nil && s.validator != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("jsonrpc: websocket upgrade failed", "err", err)
		return
	}

	sc := &serverConn{id: uuid.NewString(), conn: conn, claims: claims, subs: make(map[int64]*connSubscription)}
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		sc.closeSubscriptions()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))
	s.serve(r.Context(), sc)
}

func (s *Server) serve(ctx context.Context, sc *serverConn) {
	for {
		var req Request
		if err := sc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("jsonrpc: connection closed unexpectedly", "conn", sc.id, "err", err)
			}
			return
		}
		sc.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat))

		if req.JSONRPC != ProtocolVersion {
			sc.writeJSON(newErrorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version", nil))
			continue
		}

		resp := s.dispatch(ctx, sc, req)
		if resp != nil {
			if err := sc.writeJSON(resp); err != nil {
				return
			}
		}
	}
}

func (sc *serverConn) closeSubscriptions() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for convID, cs := range sc.subs {
		cs.cancel()
		cs.sub.Close()
		delete(sc.subs, convID)
	}
}

// broadcast pushes a "broadcast" notification to every connection; convID
// is informational only since there is no per-conversation connection
// scoping for broadcasts.
func (s *Server) broadcast(convID int64, payload any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.conns {
		_ = sc.writeJSON(newNotification("broadcast", payload))
	}
}

func (s *Server) dispatch(ctx context.Context, sc *serverConn, req Request) *Response {
	switch req.Method {
	case "ping":
		return newResponse(req.ID, map[string]string{"pong": "ok"})
	case "createConversation":
		return s.handleCreateConversation(ctx, sc, req)
	case "getConversation":
		return s.handleGetConversation(ctx, sc, req)
	case "subscribe":
		return s.handleSubscribe(ctx, sc, req)
	case "unsubscribe":
		return s.handleUnsubscribe(ctx, sc, req)
	case "sendMessage":
		return s.handleSend(ctx, sc, req, conversation.EventMessage)
	case "sendTrace":
		return s.handleSend(ctx, sc, req, conversation.EventTrace)
	case "startAgents":
		return s.handleStartAgents(ctx, sc, req)
	case "stopAgents":
		return s.handleStopAgents(ctx, sc, req)
	case "createUserQuery":
		return s.handleCreateUserQuery(ctx, sc, req)
	case "respondToUserQuery":
		return s.handleRespondToUserQuery(ctx, sc, req)
	case "getAttachment":
		return s.handleGetAttachment(ctx, sc, req)
	default:
		return newErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func decodeParams[T any](req Request) (T, error) {
	var out T
	if len(req.Params) == 0 {
		return out, nil
	}
	err := json.Unmarshal(req.Params, &out)
	return out, err
}
