package host

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/gate"
	"github.com/quietloop/mindrelay/internal/protocol"
	"github.com/quietloop/mindrelay/internal/provider"
)

// StatusEvent is published on the relay's status channel whenever the gate's
// busy/idle state changes, for an operator-facing UI to observe.
type StatusEvent struct {
	Busy             bool
	ActiveRequestID  string
	ProviderUnreachable bool
	UnreachableDetail   string
}

// Relay is the streaming relay orchestrator (spec's C6): it owns the single
// concurrency Gate and the InferenceProvider shared by every attached
// session, and holds the session registry those sessions register into.
type Relay struct {
	hostName string
	gate     *gate.Gate
	provider provider.InferenceProvider
	cfg      *config.Config
	log      *zap.SugaredLogger

	providerCancel context.Context // background context handed to Generate calls

	mu       sync.RWMutex
	model    string
	sessions map[uint64]*Session

	nextID atomic.Uint64

	statusCh chan StatusEvent
}

// NewRelay constructs a Relay bound to one provider and one Gate, serving
// hostName/model as the identity advertised in every server_info frame.
func NewRelay(ctx context.Context, hostName, model string, p provider.InferenceProvider, cfg *config.Config, log *zap.SugaredLogger) *Relay {
	return &Relay{
		hostName:       hostName,
		gate:           gate.New(),
		provider:       p,
		cfg:            cfg,
		log:            log,
		providerCancel: ctx,
		model:          model,
		sessions:       make(map[uint64]*Session),
		statusCh:       make(chan StatusEvent, 16),
	}
}

func (r *Relay) providerCtx() context.Context { return r.providerCancel }

// HostName returns the name advertised in server_info.
func (r *Relay) HostName() string { return r.hostName }

// Model returns the currently selected model name.
func (r *Relay) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// SetModel changes the model future chat_start requests are routed to. It
// has no effect on a generation already in flight.
func (r *Relay) SetModel(model string) {
	r.mu.Lock()
	r.model = model
	r.mu.Unlock()
}

// IsBusy reports whether the gate is currently held.
func (r *Relay) IsBusy() bool { return r.gate.Active() != "" }

// ActiveRequestID returns the request_id currently holding the gate, or "".
func (r *Relay) ActiveRequestID() string { return r.gate.Active() }

// SessionCount returns the number of currently attached sessions.
func (r *Relay) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StatusEvents exposes the relay's status feed for an operator UI.
func (r *Relay) StatusEvents() <-chan StatusEvent { return r.statusCh }

// Attach creates a session bound to socket and starts driving it in its own
// goroutine. The returned Session is registered immediately so SessionCount
// and AbortActive observe it even before its first frame is written.
func (r *Relay) Attach(ctx context.Context, socket io.ReadWriteCloser) *Session {
	id := r.nextID.Add(1)
	s := newSession(id, socket, r, r.cfg, r.log)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go s.run(ctx)
	return s
}

func (r *Relay) unregister(id uint64) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// CloseAllSessions forcibly closes every attached session's socket. Each
// session unwinds through its ordinary disconnect teardown path.
func (r *Relay) CloseAllSessions() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

// AbortActive cancels whatever request currently holds the gate, if any,
// mirroring the per-session abort path: the owning session (if still
// attached) emits chat_end{abort} and releases the gate itself. If the
// owning session can no longer be found, the gate is force-released as a
// fallback so the relay never wedges.
func (r *Relay) AbortActive() {
	id := r.gate.Active()
	if id == "" {
		return
	}

	r.mu.RLock()
	var owner *Session
	for _, s := range r.sessions {
		if s.ActiveRequestID() == id {
			owner = s
			break
		}
	}
	r.mu.RUnlock()

	if owner != nil {
		owner.handleAbort(protocol.Message{Type: protocol.TypeAbort, RequestID: id})
		return
	}
	r.provider.Abort(id)
	r.gate.ForceRelease()
}

// notifyStatus publishes a status change, best-effort: a slow or absent
// consumer never blocks the relay's hot path.
func (r *Relay) notifyStatus(ev StatusEvent) {
	select {
	case r.statusCh <- ev:
	default:
	}
}

// escalateUnreachable publishes a provider-unreachable status event, used
// when a generation fails because the provider itself could not be
// contacted (OLLAMA_NOT_FOUND), distinct from an ordinary generation error.
func (r *Relay) escalateUnreachable(detail string) {
	r.notifyStatus(StatusEvent{ProviderUnreachable: true, UnreachableDetail: detail})
}
