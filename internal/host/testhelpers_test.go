package host

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/mindrelay/internal/config"
	"github.com/quietloop/mindrelay/internal/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.InfoFlushTimeout = 200 * time.Millisecond
	cfg.ChunkIdleTimeout = 200 * time.Millisecond
	return cfg
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	return logger.Sugar()
}

// testPeer plays the role of a remote peer socket, reading/writing frames
// over one end of a net.Pipe connected to a Session.
type testPeer struct {
	conn    net.Conn
	dec     *protocol.Decoder
	pending []json.RawMessage
}

func newTestPeer(conn net.Conn) *testPeer {
	return &testPeer{conn: conn, dec: protocol.NewDecoder(64 * 1024)}
}

func (p *testPeer) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.NewEncoder().Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) recv(t *testing.T, timeout time.Duration) protocol.Message {
	t.Helper()
	if len(p.pending) > 0 {
		raw := p.pending[0]
		p.pending = p.pending[1:]
		msg, verr := protocol.Validate(raw)
		if verr != nil {
			t.Fatalf("recv: invalid message: %v", verr)
		}
		return msg
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if n > 0 {
			envs, derr := p.dec.Write(buf[:n])
			if derr != nil {
				t.Fatalf("recv: decoder: %v", derr)
			}
			if len(envs) > 0 {
				p.pending = envs
				raw := p.pending[0]
				p.pending = p.pending[1:]
				msg, verr := protocol.Validate(raw)
				if verr != nil {
					t.Fatalf("recv: invalid message: %v", verr)
				}
				return msg
			}
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
	}
}
