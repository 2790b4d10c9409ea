package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// DefaultBulkLimit is the number of documents sent per bulk request.
const DefaultBulkLimit = 1000

// Batcher accumulates operations and sends them in bounded bulk requests.
//
// A document upsert occupies two bulk elements, so with bulkLimit documents the
// pending queue flushes once it holds bulkLimit*2 elements.
//
// By default flushes run inline: the caller waits for each bulk request, so
// there is never more than one in flight. WithConcurrency hands flushes to a
// bounded worker pool instead. A batch that shares an id with a batch still in
// flight waits for the in-flight work to drain, so an older version of a
// document can never land after a newer one.
//
// The first failed flush is sticky: every later Add, Flush and Close returns it.
type Batcher struct {
	writer      BulkWriter
	maxElements int
	limiter     *rate.Limiter
	observe     func(ops int, elapsed time.Duration, err error)

	pending      []Operation
	pendingElems int

	pool     *ants.Pool
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]int
	err      error
	batches  int
	written  int
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher) error

// WithConcurrency allows up to n bulk requests in flight. n <= 1 keeps flushing inline.
func WithConcurrency(n int) BatcherOption {
	return func(b *Batcher) error {
		if n <= 1 {
			return nil
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return fmt.Errorf("ingest: create flush pool: %w", err)
		}
		b.pool = pool
		b.inflight = make(map[string]int)
		return nil
	}
}

// WithLimiter throttles bulk requests.
func WithLimiter(l *rate.Limiter) BatcherOption {
	return func(b *Batcher) error {
		b.limiter = l
		return nil
	}
}

// WithFlushObserver is called after every bulk request.
func WithFlushObserver(fn func(ops int, elapsed time.Duration, err error)) BatcherOption {
	return func(b *Batcher) error {
		b.observe = fn
		return nil
	}
}

// NewBatcher creates a Batcher that flushes every bulkLimit documents.
// Values below 1 fall back to DefaultBulkLimit.
func NewBatcher(w BulkWriter, bulkLimit int, opts ...BatcherOption) (*Batcher, error) {
	if w == nil {
		return nil, errors.New("ingest: bulk writer required")
	}
	if bulkLimit < 1 {
		bulkLimit = DefaultBulkLimit
	}
	b := &Batcher{
		writer:      w,
		maxElements: bulkLimit * 2,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			b.release()
			return nil, err
		}
	}
	return b, nil
}

// MaxElements is the pending queue size that triggers a flush.
func (b *Batcher) MaxElements() int { return b.maxElements }

// Add queues op and flushes when the queue is full.
func (b *Batcher) Add(ctx context.Context, op Operation) error {
	if err := b.Err(); err != nil {
		return err
	}
	b.pending = append(b.pending, op)
	b.pendingElems += op.Elements()
	if b.pendingElems >= b.maxElements {
		return b.Flush(ctx)
	}
	return nil
}

// Pending is the number of queued, unsent operations.
func (b *Batcher) Pending() int { return len(b.pending) }

// Flush sends everything queued as one bulk request.
func (b *Batcher) Flush(ctx context.Context) error {
	if err := b.Err(); err != nil {
		return err
	}
	if len(b.pending) == 0 {
		return nil
	}

	batch := b.pending
	b.pending = nil
	b.pendingElems = 0

	if b.pool == nil {
		if err := b.send(ctx, batch); err != nil {
			b.setErr(err)
			return err
		}
		return nil
	}

	if b.overlapsInflight(batch) {
		b.wg.Wait()
		if err := b.Err(); err != nil {
			return err
		}
	}

	b.track(batch, 1)
	b.wg.Add(1)
	err := b.pool.Submit(func() {
		defer b.wg.Done()
		defer b.track(batch, -1)
		if err := b.send(ctx, batch); err != nil {
			b.setErr(err)
		}
	})
	if err != nil {
		b.wg.Done()
		b.track(batch, -1)
		return fmt.Errorf("ingest: submit flush: %w", err)
	}
	return nil
}

// Close flushes the remainder, waits for in-flight requests and releases the pool.
func (b *Batcher) Close(ctx context.Context) error {
	err := b.Flush(ctx)
	b.wg.Wait()
	b.release()
	if err != nil {
		return err
	}
	return b.Err()
}

// Discard drops anything still queued, waits for in-flight requests and
// releases the pool. Used when a run is aborted.
func (b *Batcher) Discard() {
	b.pending = nil
	b.pendingElems = 0
	b.wg.Wait()
	b.release()
}

// Err returns the first flush failure.
func (b *Batcher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Batches is the number of bulk requests that succeeded.
func (b *Batcher) Batches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches
}

// Written is the number of operations sent in successful bulk requests.
func (b *Batcher) Written() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

func (b *Batcher) send(ctx context.Context, batch []Operation) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ingest: bulk rate limit: %w", err)
		}
	}

	start := time.Now()
	err := b.writer.Bulk(ctx, batch)
	if b.observe != nil {
		b.observe(len(batch), time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("ingest: bulk write %d operations: %w", len(batch), err)
	}

	b.mu.Lock()
	b.batches++
	b.written += len(batch)
	b.mu.Unlock()
	return nil
}

func (b *Batcher) overlapsInflight(batch []Operation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range batch {
		if b.inflight[op.Index+"/"+op.ID] > 0 {
			return true
		}
	}
	return false
}

func (b *Batcher) track(batch []Operation, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range batch {
		key := op.Index + "/" + op.ID
		b.inflight[key] += delta
		if b.inflight[key] <= 0 {
			delete(b.inflight, key)
		}
	}
}

func (b *Batcher) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Batcher) release() {
	if b.pool != nil {
		b.pool.Release()
		b.pool = nil
	}
}
