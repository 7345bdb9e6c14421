// Package client implements the protocol driver (spec's C7): the Client
// side's mirror of the Host's per-connection peer session, owned by
// whatever UI layer drives a single chat at a time against one Host peer.
package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/protocol"
)

// Terminal is a terminal outcome surfaced to the UI layer for a given
// request: either a normal finish reason or an error code, never both.
type Terminal struct {
	RequestID    string
	Reason       protocol.FinishReason // zero value if ErrorCode is set instead
	ErrorCode    protocol.ErrorCode
	ErrorMessage string
}

// Sink receives everything the driver surfaces to its caller.
type Sink interface {
	OnServerInfo(info protocol.ServerInfoPayload)
	OnChunk(requestID, text string)
	OnTerminal(t Terminal)
}

var (
	errEmptyPrompt     = fmt.Errorf("client: prompt is empty")
	errPromptTooLong   = fmt.Errorf("client: prompt exceeds the size limit")
	errRequestActive   = fmt.Errorf("client: a request is already active")
	errNoActiveRequest = fmt.Errorf("client: no request is active")
)

type requestWatch struct {
	id     string
	resetC chan struct{}
	done   chan struct{}
}

// Driver drives one Client-side connection: it owns the frame decoder, the
// single outbound writer, and the local notion of at most one active
// request, mirroring host.Session from the peer's point of view (spec
// §4.7).
type Driver struct {
	socket io.ReadWriteCloser
	cfg    *config.Config
	log    *zap.SugaredLogger
	sink   Sink

	decoder *protocol.Decoder
	encoder *protocol.Encoder
	writer  *protocol.FrameWriter

	outbound chan []byte
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	active *requestWatch
}

// NewDriver wires a driver onto an already-connected socket. connect(topic)
// itself is the transport's responsibility, out of scope here; Run begins
// consuming frames the moment it is called.
func NewDriver(socket io.ReadWriteCloser, cfg *config.Config, log *zap.SugaredLogger, sink Sink) *Driver {
	return &Driver{
		socket:   socket,
		cfg:      cfg,
		log:      log,
		sink:     sink,
		decoder:  protocol.NewDecoder(cfg.MaxReassemblyBuffer),
		encoder:  protocol.NewEncoder(),
		writer:   protocol.NewFrameWriter(socket),
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// Run drives the connection until the socket closes or ctx is canceled. It
// blocks the caller.
func (d *Driver) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.writerLoop(gctx) })
	g.Go(func() error { return d.readerLoop(gctx) })
	err := g.Wait()
	d.teardown()
	return err
}

// ActiveRequestID returns the locally tracked active request, or "".
func (d *Driver) ActiveRequestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return ""
	}
	return d.active.id
}

// SendChatStart validates prompt locally, mints a fresh RequestId, writes
// chat_start, and arms the chunk-idle timer (spec §4.7).
func (d *Driver) SendChatStart(prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errEmptyPrompt
	}
	if len(prompt) > d.cfg.MaxPromptBytes {
		return "", errPromptTooLong
	}

	d.mu.Lock()
	if d.active != nil {
		d.mu.Unlock()
		return "", errRequestActive
	}
	watch := &requestWatch{
		id:     uuid.New().String(),
		resetC: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.active = watch
	d.mu.Unlock()

	d.enqueue(protocol.NewChatStart(watch.id, prompt))
	go d.watchIdle(watch)
	return watch.id, nil
}

// SendAbort writes an abort frame for the active request and clears local
// state immediately, without waiting for host confirmation (spec §4.7,
// §5 "User abort").
func (d *Driver) SendAbort() error {
	d.mu.Lock()
	watch := d.active
	if watch == nil {
		d.mu.Unlock()
		return errNoActiveRequest
	}
	d.active = nil
	d.mu.Unlock()

	watch.closeDone()
	d.enqueue(protocol.NewAbort(watch.id))
	return nil
}

func (w *requestWatch) closeDone() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (d *Driver) watchIdle(watch *requestWatch) {
	timer := time.NewTimer(d.cfg.ChunkIdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-watch.done:
			return
		case <-watch.resetC:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.cfg.ChunkIdleTimeout)
		case <-timer.C:
			d.mu.Lock()
			if d.active == watch {
				d.active = nil
			}
			d.mu.Unlock()
			d.sink.OnTerminal(Terminal{
				RequestID:    watch.id,
				ErrorCode:    protocol.ErrTimeoutNoResponse,
				ErrorMessage: "no response from host within the idle timeout",
			})
			return
		}
	}
}

func (d *Driver) writerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-d.outbound:
			if !ok {
				return nil
			}
			batch := [][]byte{frame}
		drain:
			for {
				select {
				case frame, ok := <-d.outbound:
					if !ok {
						break drain
					}
					batch = append(batch, frame)
				default:
					break drain
				}
			}
			if _, err := d.writer.WriteFrames(batch); err != nil {
				return fmt.Errorf("client: write frame: %w", err)
			}
		}
	}
}

func (d *Driver) readerLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := d.socket.Read(buf)
		if n > 0 {
			envelopes, derr := d.decoder.Write(buf[:n])
			if derr != nil {
				d.log.Warnw("reassembly buffer overflow; discarding buffered bytes", "error", derr)
			}
			for _, raw := range envelopes {
				msg, verr := protocol.Validate(raw)
				if verr != nil {
					d.log.Warnw("dropping malformed inbound frame", "detail", verr.Detail)
					continue
				}
				d.dispatch(msg)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (d *Driver) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeServerInfo:
		d.sink.OnServerInfo(*msg.ServerInfo)
	case protocol.TypeChatChunk:
		d.handleChunk(msg)
	case protocol.TypeChatEnd:
		d.handleChatEnd(msg)
	case protocol.TypeError:
		d.handleError(msg)
	default:
		// chat_start and abort are Client→Host only; never arrive inbound.
	}
}

func (d *Driver) handleChunk(msg protocol.Message) {
	d.mu.Lock()
	watch := d.active
	d.mu.Unlock()
	if watch == nil || watch.id != msg.RequestID {
		return
	}
	select {
	case watch.resetC <- struct{}{}:
	default:
	}
	d.sink.OnChunk(msg.RequestID, msg.ChatChunk.Text)
}

func (d *Driver) handleChatEnd(msg protocol.Message) {
	watch := d.clearIfActive(msg.RequestID)
	if watch == nil {
		// Already cleared locally (e.g. we sent abort) — benign, dropped
		// rather than surfaced (resolves the driver's ambiguous terminal
		// overlap case).
		return
	}
	watch.closeDone()
	d.sink.OnTerminal(Terminal{RequestID: msg.RequestID, Reason: msg.ChatEnd.FinishReason})
}

func (d *Driver) handleError(msg protocol.Message) {
	if msg.RequestID == "" {
		// Connection-level error (e.g. HOST_DISCONNECTED) is not scoped to
		// any request and always surfaces.
		d.sink.OnTerminal(Terminal{ErrorCode: msg.Error.Code, ErrorMessage: msg.Error.Message})
		return
	}
	watch := d.clearIfActive(msg.RequestID)
	if watch == nil {
		return
	}
	watch.closeDone()
	d.sink.OnTerminal(Terminal{RequestID: msg.RequestID, ErrorCode: msg.Error.Code, ErrorMessage: msg.Error.Message})
}

// clearIfActive clears d.active and returns the watch if it matches
// requestID; otherwise it leaves state untouched and returns nil.
func (d *Driver) clearIfActive(requestID string) *requestWatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil || d.active.id != requestID {
		return nil
	}
	watch := d.active
	d.active = nil
	return watch
}

func (d *Driver) enqueue(msg protocol.Message) {
	frame, err := d.encoder.Encode(msg)
	if err != nil {
		d.log.Errorw("failed to encode outbound frame", "error", err)
		return
	}
	select {
	case d.outbound <- frame:
	case <-d.done:
	}
}

// teardown runs when the connection ends: any active request's terminal is
// synthesized as HOST_DISCONNECTED, since the opposite side is now
// unreachable (spec §5, "Socket close (either side, mid-generation)").
func (d *Driver) teardown() {
	d.doneOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	watch := d.active
	d.active = nil
	d.mu.Unlock()

	if watch != nil {
		watch.closeDone()
		d.sink.OnTerminal(Terminal{
			RequestID:    watch.id,
			ErrorCode:    protocol.ErrHostDisconnected,
			ErrorMessage: "connection to the host was lost",
		})
	}
}
