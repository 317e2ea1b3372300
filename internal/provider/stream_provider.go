package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	followerPollTimeout = 5 * time.Second
	verifiedTTL         = time.Hour
	doneTTL             = 10 * time.Minute
)

// StreamProvider is the production Data Provider: it backs the Byte Pipe
// with the shared Store, using an atomic blocking-move from the raw chunk
// list into the verified-replay list so the worker can scan bytes while
// the proxy is still uploading them (follower scanning, spec.md §4.B).
type StreamProvider struct {
	st       store.Store
	streamID string
	logger   *slog.Logger
}

// NewStreamProvider constructs a Byte Pipe over the given stream id.
func NewStreamProvider(st store.Store, streamID string) *StreamProvider {
	return &StreamProvider{
		st:       st,
		streamID: streamID,
		logger:   slog.With("component", "stream_provider", "stream_id", streamID),
	}
}

func (p *StreamProvider) dataKey() string     { return "data:" + p.streamID }
func (p *StreamProvider) verifiedKey() string { return p.streamID + ":verified" }
func (p *StreamProvider) doneKey() string     { return p.streamID + ":done" }

func (p *StreamProvider) PushChunk(ctx context.Context, chunk []byte) error {
	return p.st.Push(ctx, p.dataKey(), chunk)
}

func (p *StreamProvider) FinalizePush(ctx context.Context) error {
	_, err := p.st.Set(ctx, p.doneKey(), []byte("1"), doneTTL, false)
	return err
}

// Chunks drives the follower loop: blocking-move pop-left(data) ->
// push-right(verified). A nil result (timeout, no new chunk) triggers a
// single check of the done sentinel — present means every chunk has been
// observed, so the loop closes the channel; absent means the producer is
// still uploading, so the loop blocks again. This yields zero polling of
// individual chunks (invariant i in spec.md §3).
func (p *StreamProvider) Chunks(ctx context.Context) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			chunk, err := p.st.BlockingMove(ctx, p.dataKey(), p.verifiedKey(), followerPollTimeout)
			if err != nil {
				errCh <- err
				return
			}
			if chunk == nil {
				done, err := p.st.Exists(ctx, p.doneKey())
				if err != nil {
					errCh <- err
					return
				}
				if done {
					return
				}
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return out, errCh
}

func (p *StreamProvider) Finalize(ctx context.Context, scanSuccess, isVirus bool) error {
	defer func() {
		if err := p.st.Delete(ctx, p.doneKey()); err != nil {
			p.logger.Warn("failed to clear done sentinel", "error", err)
		}
	}()

	if scanSuccess && !isVirus {
		return p.st.Expire(ctx, p.verifiedKey(), verifiedTTL)
	}
	return p.st.Delete(ctx, p.verifiedKey())
}

func (p *StreamProvider) DataKey() string { return p.verifiedKey() }
