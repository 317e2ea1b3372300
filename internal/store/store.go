// Package store abstracts the queue-and-KV backend every other component
// synchronizes through: job queues, the byte-pipe lists, handshake/result
// rendezvous, the clean-URL cache, and the cluster registry. It is the
// only point of cross-process synchronization in the gateway.
package store

import (
	"context"
	"time"
)

// Store is the uniform interface over a key-value + list-queue + set
// backend that every other package depends on. Implementations must honor
// per-call deadlines via ctx and must not busy-wait on blocking calls.
type Store interface {
	// Push appends payload to the tail of list q; Pop takes from the head,
	// so each list is FIFO.
	Push(ctx context.Context, q string, payload []byte) error

	// Pop blocks until any of queues has an element, honoring list order
	// (queues[0] is checked before queues[1], etc. on each poll), or until
	// timeout elapses. Returns ("", nil, nil) on timeout.
	Pop(ctx context.Context, queues []string, timeout time.Duration) (queue string, payload []byte, err error)

	// Set writes value for key. If ttl > 0 the key expires after ttl. If nx
	// is true the write only happens when key is absent; ok reports whether
	// it happened.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, nx bool) (ok bool, err error)

	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	// BlockingMove atomically pops the left element of src and pushes it to
	// the right of dst, returning it. Returns (nil, nil) on timeout. This is
	// the primitive that drives follower-style scanning (§4.B): the worker
	// never polls individual chunks, it blocks on the move.
	BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error)
}

// ErrNotFound is returned by Get when the key does not exist. Implementations
// that can distinguish "absent" from "empty" should return it; callers that
// only need presence should prefer Exists.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: key not found" }
