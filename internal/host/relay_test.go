package host

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quietloop/mindrelay/internal/protocol"
	"github.com/quietloop/mindrelay/internal/provider"
)

func attachPipe(t *testing.T, relay *Relay) *testPeer {
	t.Helper()
	clientConn, hostConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	relay.Attach(context.Background(), hostConn)
	return newTestPeer(clientConn)
}

func TestServerInfoArrivesFirst(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	relay := NewRelay(context.Background(), "alice-host", "llama3", prov, cfg, testLogger(t))

	peer := attachPipe(t, relay)
	msg := peer.recv(t, time.Second)
	if msg.Type != protocol.TypeServerInfo {
		t.Fatalf("first frame type = %s, want server_info", msg.Type)
	}
	if msg.ServerInfo.HostName != "alice-host" || msg.ServerInfo.Model != "llama3" {
		t.Fatalf("server_info = %+v", msg.ServerInfo)
	}
	if msg.ServerInfo.Status != protocol.StatusReady {
		t.Fatalf("status = %s, want ready", msg.ServerInfo.Status)
	}
}

func TestHappyPathGeneration(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))
	peer := attachPipe(t, relay)
	peer.recv(t, time.Second) // server_info

	prov.SetScript("req-1", provider.Script{Chunks: []string{"hi", " there"}})
	peer.send(t, protocol.NewChatStart("req-1", "hello"))

	c1 := peer.recv(t, time.Second)
	if c1.Type != protocol.TypeChatChunk || c1.ChatChunk.Text != "hi" {
		t.Fatalf("chunk 1 = %+v", c1)
	}
	c2 := peer.recv(t, time.Second)
	if c2.Type != protocol.TypeChatChunk || c2.ChatChunk.Text != " there" {
		t.Fatalf("chunk 2 = %+v", c2)
	}
	end := peer.recv(t, time.Second)
	if end.Type != protocol.TypeChatEnd || end.ChatEnd.FinishReason != protocol.FinishStop {
		t.Fatalf("chat_end = %+v", end)
	}
	if relay.IsBusy() {
		t.Fatal("relay should be idle once the terminal frame is delivered")
	}
}

func TestBusyRejectionAcrossSessions(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	prov.SetScript("req-1", provider.Script{Stall: true})
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))

	peerA := attachPipe(t, relay)
	peerA.recv(t, time.Second) // server_info
	peerB := attachPipe(t, relay)
	peerB.recv(t, time.Second) // server_info

	peerA.send(t, protocol.NewChatStart("req-1", "hello"))
	peerB.send(t, protocol.NewChatStart("req-2", "hello"))

	busy := peerB.recv(t, time.Second)
	if busy.Type != protocol.TypeError || busy.Error.Code != protocol.ErrModelBusy {
		t.Fatalf("peerB frame = %+v, want error MODEL_BUSY", busy)
	}
	if relay.ActiveRequestID() != "req-1" {
		t.Fatalf("ActiveRequestID() = %q, want req-1", relay.ActiveRequestID())
	}

	// Clean up the stalled generation so the test process doesn't leak it.
	prov.Abort("req-1")
}

func TestMidStreamAbort(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	prov.SetScript("req-1", provider.Script{Stall: true})
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))
	peer := attachPipe(t, relay)
	peer.recv(t, time.Second) // server_info

	peer.send(t, protocol.NewChatStart("req-1", "hello"))
	peer.send(t, protocol.NewAbort("req-1"))

	end := peer.recv(t, time.Second)
	if end.Type != protocol.TypeChatEnd || end.ChatEnd.FinishReason != protocol.FinishAbort {
		t.Fatalf("frame = %+v, want chat_end{abort}", end)
	}
	if relay.IsBusy() {
		t.Fatal("relay should be idle after an acknowledged abort")
	}
}

func TestOversizePromptRejectedWithoutGateInteraction(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))
	peer := attachPipe(t, relay)
	peer.recv(t, time.Second) // server_info

	huge := make([]byte, cfg.MaxPromptBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	// A raw, hand-built chat_start frame is sent directly (bypassing
	// Driver-side local validation) to exercise the Host's own check.
	peer.send(t, protocol.NewChatStart("req-1", string(huge)))

	errMsg := peer.recv(t, time.Second)
	if errMsg.Type != protocol.TypeError || errMsg.Error.Code != protocol.ErrBadMessage {
		t.Fatalf("frame = %+v, want error BAD_MESSAGE", errMsg)
	}
	if relay.IsBusy() {
		t.Fatal("an oversize prompt must never touch the gate")
	}
}

func TestProviderTimeoutReleasesGate(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	prov.SetScript("req-1", provider.Script{ErrorCode: protocol.ErrTimeoutNoResponse, ErrorMessage: "idle"})
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))
	peer := attachPipe(t, relay)
	peer.recv(t, time.Second) // server_info

	peer.send(t, protocol.NewChatStart("req-1", "hello"))
	errMsg := peer.recv(t, time.Second)
	if errMsg.Type != protocol.TypeError || errMsg.Error.Code != protocol.ErrTimeoutNoResponse {
		t.Fatalf("frame = %+v, want error TIMEOUT_NO_RESPONSE", errMsg)
	}
	if relay.IsBusy() {
		t.Fatal("relay must release the gate once the provider reports a timeout")
	}
}

func TestDisconnectDuringGenerationReleasesGate(t *testing.T) {
	cfg := testConfig()
	prov := provider.NewFake()
	prov.SetScript("req-1", provider.Script{Stall: true})
	relay := NewRelay(context.Background(), "host", "model", prov, cfg, testLogger(t))

	clientConn, hostConn := net.Pipe()
	relay.Attach(context.Background(), hostConn)
	peer := newTestPeer(clientConn)
	peer.recv(t, time.Second) // server_info

	peer.send(t, protocol.NewChatStart("req-1", "hello"))
	time.Sleep(50 * time.Millisecond) // let handleChatStart run
	clientConn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !relay.IsBusy() && relay.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("disconnect during generation should release the gate and unregister the session")
}
