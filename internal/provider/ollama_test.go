package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/mindrelay/internal/protocol"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	return logger.Sugar()
}

func TestOllamaProviderStreamsChunksThenEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"hel","done":false}`)
		flusher.Flush()
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		flusher.Flush()
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, testLogger(t))
	sink := newRecordingSink()
	p.Generate(context.Background(), "r1", "llama3", "hi", sink)
	sink.waitTerminal(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.ended {
		t.Fatalf("expected OnEnd, got error code=%s msg=%s", sink.errCode, sink.errMsg)
	}
	if len(sink.chunks) != 2 || sink.chunks[0] != "hel" || sink.chunks[1] != "lo" {
		t.Fatalf("chunks = %v", sink.chunks)
	}
}

func TestOllamaProviderMapsModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, testLogger(t))
	sink := newRecordingSink()
	p.Generate(context.Background(), "r1", "missing-model", "hi", sink)
	sink.waitTerminal(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.errCode != protocol.ErrOllamaModelNotAvailable {
		t.Fatalf("errCode = %s, want OLLAMA_MODEL_NOT_AVAILABLE", sink.errCode)
	}
}

func TestOllamaProviderMapsUnreachable(t *testing.T) {
	p := NewOllamaProvider("http://127.0.0.1:1", time.Second, testLogger(t))
	sink := newRecordingSink()
	p.Generate(context.Background(), "r1", "llama3", "hi", sink)
	sink.waitTerminal(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.errCode != protocol.ErrOllamaNotFound {
		t.Fatalf("errCode = %s, want OLLAMA_NOT_FOUND", sink.errCode)
	}
}

func TestOllamaProviderAbortSilencesFurtherCallbacks(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		flusher.Flush()
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	p := NewOllamaProvider(srv.URL, 5*time.Second, testLogger(t))
	sink := newRecordingSink()
	p.Generate(context.Background(), "r1", "llama3", "hi", sink)

	// Give the stream goroutine a moment to deliver the first chunk.
	time.Sleep(50 * time.Millisecond)

	if !p.Abort("r1") {
		t.Fatal("Abort on an active generation should return true")
	}

	select {
	case <-sink.done:
		t.Fatal("an aborted generation must not call OnEnd or OnError")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOllamaProviderAbortAfterNaturalCompletionReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"hi","done":true}`)
		flusher.Flush()
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, testLogger(t))
	sink := newRecordingSink()
	p.Generate(context.Background(), "r1", "llama3", "hi", sink)
	sink.waitTerminal(t)

	// A client abort racing in just after the stream finished naturally
	// must not be allowed to enqueue a second terminal for the same
	// request, even though the stream goroutine's deferred map cleanup may
	// not have run yet.
	if p.Abort("r1") {
		t.Fatal("Abort after OnEnd already fired should return false")
	}
}

func TestOllamaProviderHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"version":"0.1.0"}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, time.Second, testLogger(t))
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
