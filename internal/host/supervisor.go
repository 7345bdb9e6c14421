package host

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/protocol"
)

// Listener abstracts the transport the overlay network hands the Host: an
// Accept loop yielding one ReadWriteCloser per inbound peer connection. The
// concrete implementation (libp2p stream listener, or a net.Listener for
// local testing) lives outside this package — the supervisor is deliberately
// transport-agnostic (spec's C8).
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

// Supervisor accepts incoming peer sockets, caps the number of concurrently
// attached sessions at cfg.MaxPeers, and rejects the overflow with a
// CONNECT_FAILED frame before closing the socket (spec §4.8).
type Supervisor struct {
	listener Listener
	relay    *Relay
	cfg      *config.Config
	log      *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSupervisor binds listener to relay.
func NewSupervisor(listener Listener, relay *Relay, cfg *config.Config, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		listener: listener,
		relay:    relay,
		cfg:      cfg,
		log:      log,
		closed:   make(chan struct{}),
	}
}

// Run accepts connections until the listener errors or Shutdown is called.
// It returns nil on an orderly shutdown, or the listener's error otherwise.
func (sup *Supervisor) Run(ctx context.Context) error {
	for {
		socket, err := sup.listener.Accept()
		if err != nil {
			select {
			case <-sup.closed:
				return nil
			default:
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if sup.relay.SessionCount() >= sup.cfg.MaxPeers {
			sup.rejectOverflow(socket)
			continue
		}

		sup.relay.Attach(ctx, socket)
	}
}

// rejectOverflow writes a single CONNECT_FAILED error frame and closes the
// socket without ever creating a Session for it, so a sixth peer is turned
// away without perturbing the five already attached (spec §8, "sixth-peer
// rejection").
func (sup *Supervisor) rejectOverflow(socket io.ReadWriteCloser) {
	enc := protocol.NewEncoder()
	frame, err := enc.Encode(protocol.NewError("", protocol.ErrConnectFailed, "Max clients reached"))
	if err == nil {
		_, _ = socket.Write(frame)
	}
	_ = socket.Close()
	sup.log.Infow("rejected connection over peer cap", "max_peers", sup.cfg.MaxPeers)
}

// Shutdown stops accepting new connections, aborts any in-flight request,
// and closes every attached session. It is idempotent.
func (sup *Supervisor) Shutdown() error {
	var err error
	sup.closeOnce.Do(func() {
		close(sup.closed)
		sup.relay.AbortActive()
		sup.relay.CloseAllSessions()
		err = sup.listener.Close()
	})
	return err
}
