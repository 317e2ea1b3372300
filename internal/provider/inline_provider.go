package provider

import (
	"context"
	"sync"
)

const inlineChunkSize = 4096

// InlineProvider buffers bytes in memory and re-chunks them on drain. It is
// the small-body / test-friendly Data Provider variant: no round trip
// through the shared store, at the cost of holding the whole body in
// process memory (acceptable only for bodies known to be small). Chunks
// yields the bytes pushed before it was called and then closes; it does
// not wait for FinalizePush.
type InlineProvider struct {
	mu       sync.Mutex
	buf      []byte
	final    bool
	drained  bool
}

// NewInlineProvider constructs an empty in-memory Data Provider.
func NewInlineProvider() *InlineProvider {
	return &InlineProvider{}
}

func (p *InlineProvider) PushChunk(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, chunk...)
	return nil
}

func (p *InlineProvider) FinalizePush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.final = true
	return nil
}

func (p *InlineProvider) Chunks(ctx context.Context) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)

		p.mu.Lock()
		data := append([]byte(nil), p.buf...)
		p.drained = true
		p.mu.Unlock()

		for offset := 0; offset < len(data); offset += inlineChunkSize {
			end := offset + inlineChunkSize
			if end > len(data) {
				end = len(data)
			}
			select {
			case out <- data[offset:end]:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return out, errCh
}

func (p *InlineProvider) Finalize(ctx context.Context, scanSuccess, isVirus bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !scanSuccess || isVirus {
		p.buf = nil
	}
	return nil
}

func (p *InlineProvider) DataKey() string { return "" }
