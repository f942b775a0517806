// Package bus fans a conversation's events and guidance out to any number
// of subscribers: ordered delivery, backfill from a
// resuming client's last-seen seq, and bounded per-subscriber queues so
// one slow reader can't stall the publisher.
package bus

import (
	"context"
	"iter"
	"sync"

	"github.com/agentweave/conductor/conversation"
)

// DefaultQueueSize bounds a subscriber's pending-message buffer before
// backpressure kicks in.
const DefaultQueueSize = 1024

// Envelope is one item delivered to a subscriber: either an Event or a
// Guidance, never both.
type Envelope struct {
	Event    *conversation.Event
	Guidance *conversation.Guidance
}

// Backfill is anything that can answer a ReadRange query, so the bus can
// replay history to a resuming subscriber without importing eventlog
// (which would create an import cycle — eventlog doesn't need the bus).
type Backfill interface {
	ReadRange(ctx context.Context, convID int64, fromSeq int64, toSeq *int64) ([]conversation.Event, error)
}

// ErrQueueFull names the condition of a subscriber whose queue is already
// at capacity. No function in this package returns it: the publish path
// drops and disconnects such a subscriber instead (see Subscription doc).
var ErrQueueFull = &conversation.Error{Kind: conversation.KindInternal, Message: "subscriber queue full"}

// Subscription is a single subscriber's view onto a conversation's stream.
// A full queue causes the bus to close the subscription rather than block
// the publisher or silently drop an arbitrary item out of order; the
// client is expected to reconnect and resume from LastSeq.
type Subscription struct {
	id              int64
	convID          int64
	includeGuidance bool

	ch   chan Envelope
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	lastSeq     int64
	closed      bool
	backfilling bool
	pending     []Envelope
}

// C returns the channel of delivered envelopes. It is closed when the
// subscription ends (explicit Close, queue overflow, or bus Close).
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Done reports the same closure as a channel, for select-based callers.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// LastSeq returns the highest event seq delivered to this subscriber so
// far (0 if none yet), for resume-after-reconnect bookkeeping.
func (s *Subscription) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Close ends the subscription; safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		close(s.done)
	})
}

// Bus fans out events and guidance for any number of conversations.
type Bus struct {
	backfill  Backfill
	queueSize int

	mu    sync.Mutex
	nextID int64
	subs  map[int64]map[int64]*Subscription // convID -> subID -> sub
}

// New creates a Bus backed by backfill for history replay, with the given
// per-subscriber queue size (DefaultQueueSize if <= 0).
func New(backfill Backfill, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		backfill:  backfill,
		queueSize: queueSize,
		subs:      make(map[int64]map[int64]*Subscription),
	}
}

// Subscribe opens a subscription to convID. History strictly after
// sinceSeq (the whole history when sinceSeq is 0) is backfilled onto the
// channel before live delivery begins.
//
// The subscription is registered (and so visible to PublishEvent/
// PublishGuidance) before the backfill read runs, so a publish can race the
// backfill. Rather than hold the bus lock across the backfill read — which
// would serialize every publish on every conversation behind one
// subscriber's history replay — the subscription starts in "backfilling"
// mode: concurrent publishes are buffered onto sub.pending instead of the
// channel. Once the backfill read completes, pending envelopes whose seq is
// already covered by the backfill are dropped and the rest are flushed in
// order, so a live connection never sees a seq skipped or duplicated.
func (b *Bus) Subscribe(ctx context.Context, convID int64, sinceSeq int64, includeGuidance bool) (*Subscription, error) {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:              b.nextID,
		convID:          convID,
		includeGuidance: includeGuidance,
		ch:              make(chan Envelope, b.queueSize),
		done:            make(chan struct{}),
		lastSeq:         sinceSeq,
		backfilling:     true,
	}
	if b.subs[convID] == nil {
		b.subs[convID] = make(map[int64]*Subscription)
	}
	b.subs[convID][sub.id] = sub
	b.mu.Unlock()

	events, err := b.backfill.ReadRange(ctx, convID, sinceSeq, nil)
	if err != nil {
		b.unregister(convID, sub.id)
		return nil, err
	}

	backfilledSeq := sinceSeq
	for _, ev := range events {
		e := ev
		if e.Seq > backfilledSeq {
			backfilledSeq = e.Seq
		}
		if !sub.send(Envelope{Event: &e}) {
			sub.mu.Lock()
			sub.backfilling = false
			sub.pending = nil
			sub.mu.Unlock()
			return sub, nil
		}
	}

	sub.endBackfill(backfilledSeq)
	return sub, nil
}

// Unsubscribe closes and removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.Close()
	b.unregister(sub.convID, sub.id)
}

func (b *Bus) unregister(convID, subID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[convID]; ok {
		delete(m, subID)
		if len(m) == 0 {
			delete(b.subs, convID)
		}
	}
}

// PublishEvent announces a newly-appended event to every live subscriber
// of its conversation, in seq order relative to other PublishEvent/
// PublishGuidance calls for the same conversation (the orchestrator is
// responsible for calling Publish* under its own per-conversation lock so
// this ordering guarantee holds end to end).
func (b *Bus) PublishEvent(ev conversation.Event) {
	b.publish(ev.Conversation, Envelope{Event: &ev}, false)
}

// PublishGuidance announces derived guidance; delivered only to
// subscribers that asked for it via includeGuidance.
func (b *Bus) PublishGuidance(g conversation.Guidance) {
	b.publish(g.Conversation, Envelope{Guidance: &g}, true)
}

func (b *Bus) publish(convID int64, env Envelope, guidanceOnly bool) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[convID]))
	for _, sub := range b.subs[convID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if guidanceOnly && !sub.includeGuidance {
			continue
		}
		if !sub.deliver(env) {
			b.Unsubscribe(sub)
		}
	}
}

// deliver is the entry point for concurrent PublishEvent/PublishGuidance
// calls. While the subscription's initial backfill is still in flight it
// buffers env onto pending instead of the channel, so a live event can never
// overtake the history it belongs after; endBackfill reconciles the two
// once the backfill read completes.
func (s *Subscription) deliver(env Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.backfilling {
		s.pending = append(s.pending, env)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return s.send(env)
}

// send attempts a non-blocking channel send; it returns false (and the
// caller disconnects the subscriber) if the queue is full or already
// closed. Used directly by Subscribe's own backfill replay and by
// endBackfill's flush, both of which must bypass the backfilling buffer.
func (s *Subscription) send(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		if env.Event != nil && env.Event.Seq > s.lastSeq {
			s.lastSeq = env.Event.Seq
		}
		return true
	default:
		return false
	}
}

// endBackfill flips off backfilling mode and flushes envelopes buffered by
// deliver during the backfill window, dropping any event already covered by
// the backfill (seq <= backfilledSeq) so it isn't delivered twice.
func (s *Subscription) endBackfill(backfilledSeq int64) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.backfilling = false
	s.mu.Unlock()

	for _, env := range pending {
		if env.Event != nil && env.Event.Seq <= backfilledSeq {
			continue
		}
		if !s.send(env) {
			return
		}
	}
}

// Close shuts down every live subscription across every conversation.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*Subscription, 0)
	for _, m := range b.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	b.subs = make(map[int64]map[int64]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

// Drain returns a lazily-pulled sequence over a subscription's channel,
// stopping when the subscription closes or ctx is done — the idiomatic
// entry point for transports that want a for-range loop instead of a
// manual select.
func Drain(ctx context.Context, sub *Subscription) iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for {
			select {
			case env, ok := <-sub.C():
				if !ok {
					return
				}
				if !yield(env) {
					return
				}
			case <-sub.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
