package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quietloop/mindrelay/internal/protocol"
)

// generateRequest maps to Ollama's POST /api/generate, streaming mode.
// Grounded on the ollama client package surveyed in the example pack
// (ChatRequest/GenerateRequest shapes).
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateChunk is one NDJSON line from that endpoint.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type activeGeneration struct {
	cancel   context.CancelFunc
	silenced atomic.Bool // true once Abort or the idle watchdog has already handled termination
}

// OllamaProvider is a concrete InferenceProvider backed by an
// Ollama-compatible HTTP streaming API.
type OllamaProvider struct {
	baseURL          string
	httpClient       *http.Client
	chunkIdleTimeout time.Duration
	log              *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*activeGeneration
}

// NewOllamaProvider constructs a provider pointed at baseURL (e.g.
// "http://localhost:11434"). chunkIdleTimeout is the silence bound between
// successive chunks (spec §4.3; 30s by default via config.Config).
func NewOllamaProvider(baseURL string, chunkIdleTimeout time.Duration, log *zap.SugaredLogger) *OllamaProvider {
	return &OllamaProvider{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{Timeout: 0}, // streaming responses can be long-lived
		chunkIdleTimeout: chunkIdleTimeout,
		log:              log,
		active:           make(map[string]*activeGeneration),
	}
}

func (p *OllamaProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("ollama: build health request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check returned status %d", resp.StatusCode)
	}
	var v versionResponse
	_ = json.NewDecoder(resp.Body).Decode(&v)
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, requestID, model, prompt string, sink Sink) {
	genCtx, cancel := context.WithCancel(ctx)
	gen := &activeGeneration{cancel: cancel}

	p.mu.Lock()
	p.active[requestID] = gen
	p.mu.Unlock()

	watchdogDone := make(chan struct{})
	resetC := make(chan struct{}, 1)
	go p.watchIdle(genCtx, gen, sink, resetC, watchdogDone)

	go func() {
		p.stream(genCtx, requestID, model, prompt, sink, gen, resetC)
		close(watchdogDone)
		p.mu.Lock()
		delete(p.active, requestID)
		p.mu.Unlock()
	}()
}

// Abort cancels requestID's generation if it is still running and has not
// already emitted a terminal event. It gates on the same silenced flag the
// stream goroutine and idle watchdog use, so a request whose OnEnd/OnError
// already fired (but whose map entry the stream goroutine hasn't cleaned up
// yet) reports false instead of producing a second terminal frame for it.
func (p *OllamaProvider) Abort(requestID string) bool {
	p.mu.Lock()
	gen, ok := p.active[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if !gen.silenced.CompareAndSwap(false, true) {
		return false
	}
	gen.cancel()
	return true
}

// watchIdle enforces the chunk-idle timeout. resetC receives a signal on
// every provider-side read; the timer rearms on each signal. On expiry it
// marks the generation silenced, cancels it, and reports the timeout
// itself — the one case where the provider, not an inbound abort frame,
// initiates the cancellation.
func (p *OllamaProvider) watchIdle(ctx context.Context, gen *activeGeneration, sink Sink, resetC <-chan struct{}, done <-chan struct{}) {
	timer := time.NewTimer(p.chunkIdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-resetC:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.chunkIdleTimeout)
		case <-timer.C:
			if gen.silenced.CompareAndSwap(false, true) {
				gen.cancel()
				sink.OnError(protocol.ErrTimeoutNoResponse, "no response from provider within the idle timeout")
			}
			return
		}
	}
}

func (p *OllamaProvider) stream(ctx context.Context, requestID, model, prompt string, sink Sink, gen *activeGeneration, resetC chan<- struct{}) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		p.reportOnce(gen, sink, protocol.ErrGenerationFailed, err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		p.reportOnce(gen, sink, protocol.ErrGenerationFailed, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			p.reportCancellation(gen, sink)
			return
		}
		if isConnRefused(err) {
			p.reportOnce(gen, sink, protocol.ErrOllamaNotFound, "ollama is not reachable: "+err.Error())
			return
		}
		p.reportOnce(gen, sink, protocol.ErrGenerationFailed, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.reportOnce(gen, sink, protocol.ErrOllamaModelNotAvailable, fmt.Sprintf("model %q is not available", model))
		return
	}
	if resp.StatusCode != http.StatusOK {
		p.reportOnce(gen, sink, protocol.ErrGenerationFailed, fmt.Sprintf("ollama returned status %d", resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case resetC <- struct{}{}:
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			p.reportOnce(gen, sink, protocol.ErrGenerationFailed, "decode chunk: "+err.Error())
			return
		}
		if chunk.Response != "" {
			if gen.silenced.Load() {
				return
			}
			sink.OnChunk(chunk.Response)
		}
		if chunk.Done {
			if gen.silenced.CompareAndSwap(false, true) {
				sink.OnEnd()
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			p.reportCancellation(gen, sink)
			return
		}
		p.reportOnce(gen, sink, protocol.ErrGenerationFailed, "stream read: "+err.Error())
		return
	}

	// EOF without a final done:true line — treat as a failed generation.
	p.reportOnce(gen, sink, protocol.ErrGenerationFailed, "provider closed the stream without a completion marker")
}

// reportCancellation handles the ctx.Done() path: if the cancellation was
// already attributed (a client abort, or this watchdog's own timeout), the
// caller that triggered it already spoke for the outcome and this goroutine
// stays silent, preserving terminal-frame uniqueness. Otherwise the
// cancellation came from somewhere else entirely (e.g. the provider or
// process shutting down) and is reported as a provider-internal abort.
func (p *OllamaProvider) reportCancellation(gen *activeGeneration, sink Sink) {
	if gen.silenced.CompareAndSwap(false, true) {
		sink.OnError(protocol.ErrGenerationAborted, "generation cancelled")
	}
}

func (p *OllamaProvider) reportOnce(gen *activeGeneration, sink Sink, code protocol.ErrorCode, message string) {
	if gen.silenced.CompareAndSwap(false, true) {
		sink.OnError(code, message)
	}
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host")
}
