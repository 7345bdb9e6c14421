// Package host implements the Host side of the bridge: the per-connection
// peer session state machine (C5), the streaming relay orchestrator that
// owns the concurrency gate and the provider (C6), and the connection
// supervisor that accepts and caps peer sockets (C8).
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/protocol"
	"github.com/quietloop/mindrelay/internal/provider"
)

// State is one of the peer session's four states (spec §4.5).
type State int

const (
	StateAwaitingInfoFlush State = iota
	StateIdle
	StateGenerating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingInfoFlush:
		return "awaiting_info_flush"
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one peer's state machine from the Host's side. It owns a
// frame decoder, a single outbound writer, and the peer's active request
// (if any). The session holds a plain pointer back to its owning Relay,
// while the Relay's registry holds the session by id; teardown removes the
// session from that registry, which ends the reference from the Relay side.
type Session struct {
	id     uint64
	socket io.ReadWriteCloser
	relay  *Relay
	cfg    *config.Config
	log    *zap.SugaredLogger

	decoder *protocol.Decoder
	encoder *protocol.Encoder
	writer  *protocol.FrameWriter
	outbound chan []byte

	mu            sync.Mutex
	state         State
	activeRequest string

	firstFrameWritten chan struct{}
	firstFrameOnce    sync.Once
	done              chan struct{}
	doneOnce          sync.Once
}

func newSession(id uint64, socket io.ReadWriteCloser, relay *Relay, cfg *config.Config, log *zap.SugaredLogger) *Session {
	return &Session{
		id:                id,
		socket:            socket,
		relay:             relay,
		cfg:               cfg,
		log:               log,
		decoder:           protocol.NewDecoder(cfg.MaxReassemblyBuffer),
		encoder:           protocol.NewEncoder(),
		writer:            protocol.NewFrameWriter(socket),
		outbound:          make(chan []byte, 64),
		state:             StateAwaitingInfoFlush,
		firstFrameWritten: make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// State reports the session's current state (for tests and diagnostics).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveRequestID reports the request this session currently owns, or "".
func (s *Session) ActiveRequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequest
}

// run drives the session until the socket closes, then tears down. It
// blocks the caller; Relay.Attach invokes it in its own goroutine.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	status := protocol.StatusReady
	if s.relay.gate.Active() != "" {
		status = protocol.StatusBusy
	}
	s.enqueue(protocol.NewServerInfo(s.relay.HostName(), s.relay.Model(), status))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writerLoop(gctx) })
	g.Go(func() error { return s.readerLoop(gctx) })

	flushWatch := make(chan struct{})
	go func() {
		defer close(flushWatch)
		timer := time.NewTimer(s.cfg.InfoFlushTimeout)
		defer timer.Stop()
		select {
		case <-s.firstFrameWritten:
		case <-timer.C:
			s.log.Warnw("server_info did not flush in time; destroying socket", "session", s.id)
			_ = s.socket.Close()
		case <-gctx.Done():
		}
	}()

	_ = g.Wait()
	<-flushWatch
	s.teardown()
}

func (s *Session) writerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-s.outbound:
			if !ok {
				return nil
			}
			batch := [][]byte{frame}
		drain:
			for {
				select {
				case frame, ok := <-s.outbound:
					if !ok {
						break drain
					}
					batch = append(batch, frame)
				default:
					break drain
				}
			}
			if _, err := s.writer.WriteFrames(batch); err != nil {
				return fmt.Errorf("host: write frame: %w", err)
			}
			s.firstFrameOnce.Do(func() {
				s.mu.Lock()
				if s.state == StateAwaitingInfoFlush {
					s.state = StateIdle
				}
				s.mu.Unlock()
				close(s.firstFrameWritten)
			})
		}
	}
}

func (s *Session) readerLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.socket.Read(buf)
		if n > 0 {
			envelopes, derr := s.decoder.Write(buf[:n])
			if derr != nil {
				if errors.Is(derr, protocol.ErrBufferOverflow) {
					s.log.Warnw("reassembly buffer overflow; discarding buffered bytes", "session", s.id)
				} else {
					return derr
				}
			}
			for _, raw := range envelopes {
				msg, verr := protocol.ValidateWithLimit(raw, s.cfg.MaxPromptBytes)
				if verr != nil {
					s.enqueue(protocol.NewError(verr.RequestID, verr.Code, verr.Detail))
					continue
				}
				s.dispatch(msg)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeChatStart:
		s.handleChatStart(msg)
	case protocol.TypeAbort:
		s.handleAbort(msg)
	default:
		// server_info, chat_chunk, chat_end, error arriving inbound to a
		// Host are not meaningful here; ignored per spec §4.5.
	}
}

func (s *Session) handleChatStart(msg protocol.Message) {
	requestID := msg.RequestID
	if !s.relay.gate.Acquire(requestID) {
		s.enqueue(protocol.NewError(requestID, protocol.ErrModelBusy, "the model is busy with another request"))
		return
	}

	s.mu.Lock()
	s.activeRequest = requestID
	s.state = StateGenerating
	s.mu.Unlock()
	s.relay.notifyStatus(StatusEvent{Busy: true, ActiveRequestID: requestID})

	sink := provider.SinkFuncs{
		Chunk: func(text string) {
			s.enqueue(protocol.NewChatChunk(requestID, text))
		},
		End: func() {
			s.enqueue(protocol.NewChatEnd(requestID, protocol.FinishStop))
			s.finishRequest(requestID)
		},
		Error: func(code protocol.ErrorCode, message string) {
			s.enqueue(protocol.NewError(requestID, code, message))
			s.finishRequest(requestID)
			if code == protocol.ErrOllamaNotFound {
				s.relay.escalateUnreachable(message)
			}
		},
	}

	s.relay.provider.Generate(s.relay.providerCtx(), requestID, s.relay.Model(), msg.ChatStart.Prompt, sink)
}

func (s *Session) handleAbort(msg protocol.Message) {
	s.mu.Lock()
	active := s.activeRequest
	s.mu.Unlock()

	if active == "" || active != msg.RequestID {
		// Stale or unrelated abort: silently ignored (spec's Open Question 1).
		return
	}

	if s.relay.provider.Abort(msg.RequestID) {
		s.enqueue(protocol.NewChatEnd(msg.RequestID, protocol.FinishAbort))
		s.finishRequest(msg.RequestID)
	}
}

// finishRequest releases the gate and clears session state for id. The
// terminal frame for id must already be enqueued by the caller before this
// runs — gate release must happen strictly after enqueue, never before
// (spec §4.4, §9).
func (s *Session) finishRequest(id string) {
	s.relay.gate.Release(id)
	s.mu.Lock()
	if s.activeRequest == id {
		s.activeRequest = ""
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.relay.notifyStatus(StatusEvent{Busy: false})
}

// enqueue encodes msg and places it on the outbound queue, blocking (never
// dropping) unless the session has already torn down — terminal frames
// must not be lost (spec §5).
func (s *Session) enqueue(msg protocol.Message) {
	frame, err := s.encoder.Encode(msg)
	if err != nil {
		s.log.Errorw("failed to encode outbound frame", "session", s.id, "error", err)
		return
	}
	select {
	case s.outbound <- frame:
	case <-s.done:
	}
}

// teardown runs once, when the session's socket has closed for any reason.
// If a request was in flight, the provider is asked to abort it
// best-effort and the gate is released; no frames are written (spec §4.5,
// "Disconnect handling").
func (s *Session) teardown() {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	active := s.activeRequest
	s.activeRequest = ""
	s.state = StateClosed
	s.mu.Unlock()

	if active != "" {
		s.relay.provider.Abort(active)
		s.relay.gate.Release(active)
		s.relay.notifyStatus(StatusEvent{Busy: false})
	}

	_ = s.socket.Close()
	s.relay.unregister(s.id)
}

// shutdown forcibly closes the session's socket, triggering the normal
// disconnect teardown path from outside (administrative shutdown, C8).
func (s *Session) shutdown() {
	_ = s.socket.Close()
}
