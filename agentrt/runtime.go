package agentrt

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentweave/conductor/conversation"
)

// Phase is the coarse lifecycle state of a Runtime.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseHandling Phase = "handling"
	PhaseStopped  Phase = "stopped"
)

// RecoveryMode selects how a restarted Runtime treats a turn it already
// held open before the restart.
type RecoveryMode string

const (
	// RecoveryResume continues authoring an already-open turn.
	RecoveryResume RecoveryMode = "resume"
	// RecoveryRestart aborts an already-open turn with a short message and
	// waits for fresh guidance. Used by LLM planners for determinism.
	RecoveryRestart RecoveryMode = "restart"
)

// ReconnectBaseDelay, ReconnectMaxDelay, and ReconnectFactor define the
// transport-disconnect backoff schedule.
const (
	ReconnectBaseDelay = 50 * time.Millisecond
	ReconnectMaxDelay  = 5 * time.Second
	ReconnectFactor    = 2
)

// Handler is a concrete agent's turn-taking logic: everything an echo,
// scripted, or assistant agent needs to implement.
// HandleTurn should use transport to post at least one event with
// finality != none before returning, or the scheduler will have nothing
// to react to; it is not required to (e.g. an agent may legitimately post
// only traces and let its deadline lapse under a competition policy).
type Handler interface {
	// AgentID is this handler's identity within the conversation roster.
	AgentID() string

	// HandleTurn runs once per addressed guidance. ctx is canceled if the
	// Runtime is stopped mid-turn.
	HandleTurn(ctx context.Context, transport AgentTransport, convID int64) error
}

// Runtime drives a single Handler through a cooperative loop: subscribe,
// wait for addressed guidance, invoke HandleTurn, reconnect on disconnect,
// recover per RecoveryMode on start.
type Runtime struct {
	handler   Handler
	transport AgentTransport
	convID    int64
	recovery  RecoveryMode
	log       *slog.Logger

	phase  Phase
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Runtime for handler against convID. recovery defaults
// to RecoveryResume if empty.
func New(handler Handler, transport AgentTransport, convID int64, recovery RecoveryMode, log *slog.Logger) *Runtime {
	if recovery == "" {
		recovery = RecoveryResume
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		handler:   handler,
		transport: transport,
		convID:    convID,
		recovery:  recovery,
		log:       log,
		phase:     PhaseIdle,
		done:      make(chan struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase { return r.phase }

// Start runs the cooperative loop in the background until Stop is called
// or ctx is canceled. It returns immediately; callers observe completion
// via Done().
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(runCtx)
}

// Done reports when the Runtime's loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Stop ends the loop; if it currently holds an open turn, it does not
// force-close it — the scheduler's deadline mechanism reclaims the turn
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.phase = PhaseStopped
}

func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)

	sinceSeq, err := r.recover(ctx)
	if err != nil {
		r.log.Error("agentrt: recovery failed", "agent", r.handler.AgentID(), "conversation", r.convID, "err", err)
		return
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			r.phase = PhaseStopped
			return
		}

		stream, err := r.transport.Subscribe(ctx, r.convID, sinceSeq)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			r.log.Warn("agentrt: subscribe failed, retrying", "agent", r.handler.AgentID(), "attempt", attempt, "delay", delay, "err", err)
			if !sleep(ctx, delay) {
				r.phase = PhaseStopped
				return
			}
			continue
		}
		attempt = 0

		disconnected := r.drain(ctx, stream)
		sinceSeq = stream.LastSeq()
		stream.Close()

		if !disconnected {
			r.phase = PhaseStopped
			return
		}

		attempt++
		delay := backoffDelay(attempt)
		if !sleep(ctx, delay) {
			r.phase = PhaseStopped
			return
		}
	}
}

// drain consumes stream items until it ends; it returns true if the
// stream ended because of disconnect/backpressure (caller should
// reconnect) and false if it ended because the conversation itself
// reached finality or ctx was canceled (caller should stop for good).
func (r *Runtime) drain(ctx context.Context, stream Stream) bool {
	for {
		item, ok := stream.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return false
			}
			return true
		}

		if item.Event != nil && item.Event.ClosesConversation() {
			return false
		}

		if item.Guidance == nil {
			continue
		}
		if item.Guidance.NextAgentID != "" && item.Guidance.NextAgentID != r.handler.AgentID() {
			continue
		}

		r.phase = PhaseHandling
		if err := r.handler.HandleTurn(ctx, r.transport, r.convID); err != nil {
			r.log.Error("agentrt: handleTurn error", "agent", r.handler.AgentID(), "conversation", r.convID, "err", err)
		}
		r.phase = PhaseIdle
	}
}

// recover applies the configured RecoveryMode against any turn this agent
// already holds open at start, and returns the seq to resume streaming
// from.
func (r *Runtime) recover(ctx context.Context) (int64, error) {
	conv, _, err := r.transport.Snapshot(ctx, r.convID)
	if err != nil {
		return 0, err
	}

	if conv.OpenTurn != nil && conv.OpenTurnAgent == r.handler.AgentID() && r.recovery == RecoveryRestart {
		_, err := r.transport.PostMessage(ctx, r.convID, r.handler.AgentID(),
			conversation.Payload{Text: "aborted: restarting"}, conversation.FinalityTurn, "")
		if err != nil {
			return 0, err
		}
		conv, _, err = r.transport.Snapshot(ctx, r.convID)
		if err != nil {
			return 0, err
		}
	}

	return conv.LastClosedSeq, nil
}

func backoffDelay(attempt int) time.Duration {
	d := ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= ReconnectFactor
		if d >= ReconnectMaxDelay {
			return ReconnectMaxDelay
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
