// Package mockllm provides a test double for llm.Provider used by the
// dialogue orchestrator's (C6) unit tests.
package mockllm

import (
	"context"
	"sync"

	"github.com/lumina/lumina/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// StreamCompletionCall records one StreamCompletion invocation.
type StreamCompletionCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scriptable llm.Provider. Set Chunks to the sequence of
// values StreamCompletion should emit, or StreamErr to fail the call.
type Provider struct {
	mu sync.Mutex

	Chunks         []llm.Chunk
	StreamErr      error
	StreamCalls    []StreamCompletionCall
	CapabilitiesV  llm.ModelCapabilities
	CountTokensV   int
	CountTokensErr error

	// Hang, when true, keeps the stream open after emitting Chunks instead
	// of closing it — useful for exercising cancellation/supersession paths
	// where the stream would otherwise never end on its own.
	Hang bool
}

// StreamCompletion returns a channel that emits p.Chunks in order, then
// closes, or fails to start if StreamErr is set. Emission stops early if ctx
// is cancelled. If Hang is set, the channel stays open (unread) until ctx
// ends instead of closing after the last chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCompletionCall{Ctx: ctx, Req: req})
	err := p.StreamErr
	chunks := append([]llm.Chunk(nil), p.Chunks...)
	hang := p.Hang
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Complete drains StreamCompletion and concatenates the text.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &llm.CompletionResponse{}
	for c := range ch {
		resp.Content += c.Text
		resp.ToolCalls = append(resp.ToolCalls, c.ToolCalls...)
	}
	return resp, nil
}

// CountTokens returns the scripted CountTokensV/CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CountTokensV, p.CountTokensErr
}

// Capabilities returns the scripted CapabilitiesV.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesV
}

// CallCount returns how many times StreamCompletion has been invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
