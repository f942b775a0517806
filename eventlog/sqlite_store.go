package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentweave/conductor/conversation"
)

// SQLiteStore is the durable Store backend, selected by a non-":memory:"
// DB_PATH. It keeps the same in-memory conversationState as
// MemoryStore for the hot path (so Append/ReadRange/Snapshot share one
// implementation of the invariants), but every Append is first written
// through to the `events` table, and on Open the whole log is replayed from
// disk so a restarted process resumes exactly where it left off
type SQLiteStore struct {
	db *sql.DB

	mu            sync.RWMutex
	conversations map[int64]*conversationState
	order         []int64
	nextID        int64
}

// OpenSQLiteStore opens (creating if absent) the sqlite file at path,
// ensures the schema, and replays any existing conversations into memory.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer log; avoid SQLITE_BUSY on the hot path

	s := &SQLiteStore{db: db, conversations: make(map[int64]*conversationState)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			conversation INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			event_in_turn INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			finality TEXT NOT NULL,
			ts TEXT NOT NULL,
			client_request_id TEXT,
			PRIMARY KEY (conversation, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_client_request
			ON events(conversation, agent_id, client_request_id)
			WHERE client_request_id IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) replay() error {
	rows, err := s.db.Query(`SELECT id, status, metadata, created_at FROM conversations ORDER BY id`)
	if err != nil {
		return fmt.Errorf("replay conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var status, metaJSON, createdAt string
		if err := rows.Scan(&id, &status, &metaJSON, &createdAt); err != nil {
			return err
		}
		var meta conversation.Metadata
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return fmt.Errorf("replay metadata for conversation %d: %w", id, err)
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		conv := conversation.Conversation{
			ID:        id,
			Status:    conversation.Status(status),
			Metadata:  meta,
			CreatedAt: created,
		}
		cs := newConversationState(conv)
		s.conversations[id] = cs
		s.order = append(s.order, id)
		if id > s.nextID {
			s.nextID = id
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for id, cs := range s.conversations {
		if err := s.replayEvents(id, cs); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) replayEvents(convID int64, cs *conversationState) error {
	rows, err := s.db.Query(`SELECT seq, turn, event_in_turn, type, agent_id, payload, finality, ts, client_request_id
		FROM events WHERE conversation = ? ORDER BY seq`, convID)
	if err != nil {
		return fmt.Errorf("replay events for conversation %d: %w", convID, err)
	}
	defer rows.Close()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for rows.Next() {
		var ev conversation.Event
		var payloadJSON, ts string
		var clientReqID sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Turn, &ev.EventInTurn, &ev.Type, &ev.AgentID, &payloadJSON, &ev.Finality, &ts, &clientReqID); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return fmt.Errorf("replay payload for conversation %d seq %d: %w", convID, ev.Seq, err)
		}
		ev.Conversation = convID
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if clientReqID.Valid {
			ev.ClientRequestID = clientReqID.String
		}

		cs.events = append(cs.events, ev)
		if ev.Type != conversation.EventSystem {
			cs.machine.Apply(ev.AgentID, ev.Finality)
		}
		if ev.ClientRequestID != "" {
			cs.requestIndex[requestKey(ev.AgentID, ev.ClientRequestID)] = ev.Seq
		}
	}
	cs.conv.LastClosedSeq = cs.lastClosedSeqLocked()
	if open, ok := cs.machine.OpenTurn(); ok {
		t := open
		cs.conv.OpenTurn = &t
		cs.conv.OpenTurnAgent = cs.machine.OpenAgent()
	}
	return rows.Err()
}

func (s *SQLiteStore) CreateConversation(_ context.Context, meta conversation.Metadata) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	conv := conversation.Conversation{
		ID:        id,
		Status:    conversation.StatusActive,
		Metadata:  meta,
		CreatedAt: nowFunc().UTC(),
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO conversations (id, status, metadata, created_at) VALUES (?, ?, ?, ?)`,
		id, conv.Status, string(metaJSON), conv.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	s.conversations[id] = newConversationState(conv)
	s.order = append(s.order, id)

	out := conv
	return &out, nil
}

func (s *SQLiteStore) getState(convID int64) (*conversationState, error) {
	s.mu.RLock()
	cs, ok := s.conversations[convID]
	s.mu.RUnlock()
	if !ok {
		return nil, conversation.ErrUnknownConversation
	}
	return cs, nil
}

func (s *SQLiteStore) Append(_ context.Context, convID int64, in AppendInput) (*conversation.Event, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.appendLocked(in, func(ev conversation.Event) error {
		payloadJSON, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		var clientReqID any
		if ev.ClientRequestID != "" {
			clientReqID = ev.ClientRequestID
		}
		_, err = s.db.Exec(`INSERT INTO events
			(conversation, seq, turn, event_in_turn, type, agent_id, payload, finality, ts, client_request_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.Conversation, ev.Seq, ev.Turn, ev.EventInTurn, ev.Type, ev.AgentID,
			string(payloadJSON), ev.Finality, ev.Timestamp.Format(time.RFC3339Nano), clientReqID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if ev.ClosesConversation() {
			_, err = s.db.Exec(`UPDATE conversations SET status = ? WHERE id = ?`,
				conversation.StatusCompleted, ev.Conversation)
			if err != nil {
				return fmt.Errorf("update conversation status: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ReadRange(_ context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.readRangeLocked(fromSeq, toSeq), nil
}

func (s *SQLiteStore) Snapshot(_ context.Context, convID int64) (*Snapshot, error) {
	cs, err := s.getState(convID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	snap := cs.snapshotLocked()
	return &snap, nil
}

func (s *SQLiteStore) List(_ context.Context, opts ListOptions) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	ids := make([]int64, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	start := opts.Offset
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	out := make([]*conversation.Conversation, 0, end-start)
	for _, id := range ids[start:end] {
		cs, err := s.getState(id)
		if err != nil {
			continue
		}
		cs.mu.Lock()
		conv := cs.conv
		cs.mu.Unlock()
		out = append(out, &conv)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
