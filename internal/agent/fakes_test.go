package agent

import (
	"context"
	"sync"
	"time"

	"github.com/loomlabs/loom/pkg/models"
)

// fakeProvider answers Complete calls from a scripted list of chunk streams.
// With repeatLast set, the final script answers every call after the list is
// exhausted.
type fakeProvider struct {
	mu         sync.Mutex
	scripts    [][]*CompletionChunk
	repeatLast bool
	delay      time.Duration
	requests   []*CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if len(p.scripts) == 0 {
		p.mu.Unlock()
		return nil, Errf(KindFatal, "fake", "no scripted completion left")
	}
	script := p.scripts[0]
	if len(p.scripts) > 1 || !p.repeatLast {
		p.scripts = p.scripts[1:]
	}
	delay := p.delay
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, len(script))
	go func() {
		defer close(ch)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		for _, chunk := range script {
			ch <- chunk
		}
	}()
	return ch, nil
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// textScript is a completion that answers with plain text.
func textScript(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, FinishReason: FinishStop, PromptTokens: 10, CompletionTokens: 5},
	}
}

// toolScript is a completion that answers with native tool calls.
func toolScript(calls ...models.ToolCall) []*CompletionChunk {
	chunks := make([]*CompletionChunk, 0, len(calls)+1)
	for i := range calls {
		chunks = append(chunks, &CompletionChunk{ToolCall: &calls[i]})
	}
	return append(chunks, &CompletionChunk{Done: true, FinishReason: FinishToolCalls})
}
