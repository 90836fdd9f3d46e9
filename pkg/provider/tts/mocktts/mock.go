// Package mocktts provides a test double for tts.Provider used by the
// dialogue orchestrator's (C6) unit tests.
package mocktts

import (
	"context"
	"sync"

	"github.com/lumina/lumina/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStreamCall records one SynthesizeStream invocation.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// Provider is a scriptable tts.Provider. Every text fragment received on the
// input channel produces one audio chunk of the same length via ChunkFn (or,
// if nil, one chunk equal to the UTF-8 bytes of the fragment) unless
// SynthesizeErr is set, in which case the call fails immediately.
type Provider struct {
	mu sync.Mutex

	SynthesizeErr    error
	SynthesizeCalls  []SynthesizeStreamCall
	ChunkFn          func(fragment string) []byte
	ErrAfterNChunks  int // 0 = never fail mid-stream
	MidStreamErr     error
	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error
}

// SynthesizeStream echoes each text fragment as one audio chunk, closing the
// output channel when text closes or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	err := p.SynthesizeErr
	chunkFn := p.ChunkFn
	errAfter := p.ErrAfterNChunks
	midErr := p.MidStreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if chunkFn == nil {
		chunkFn = func(fragment string) []byte { return []byte(fragment) }
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					return
				}
				n++
				if errAfter > 0 && n > errAfter {
					_ = midErr // surfaced only by closing early, mirroring the interface contract
					return
				}
				select {
				case out <- chunkFn(fragment):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ListVoices returns the scripted ListVoicesResult/ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// CloneVoice is not exercised by the orchestrator and always fails.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*tts.VoiceProfile, error) {
	return nil, errUnsupported
}

// CallCount returns how many times SynthesizeStream has been invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

var errUnsupported = cloneUnsupportedError{}

type cloneUnsupportedError struct{}

func (cloneUnsupportedError) Error() string { return "mocktts: CloneVoice not supported" }
