// Package bulk buffers document writes into bounded bulk requests and tracks
// the run-wide failure budget.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/tbrd/green-home-search/internal/metrics"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/search"
)

// Bulk indexer errors
var (
	ErrFailureBudgetExceeded = errors.New("failure budget exceeded")
	ErrClosed                = errors.New("bulk indexer closed")
)

// DefaultBatchSize is the number of documents per bulk request
const DefaultBatchSize = 500

// Writer is the part of the store the indexer writes through
type Writer interface {
	Bulk(ctx context.Context, items []search.BulkItem) (*search.BulkResult, error)
}

// Config configures an Indexer
type Config struct {
	BatchSize int
	// FailureThreshold is the fraction of failed documents tolerated over the
	// whole run, checked after every flush
	FailureThreshold float64
	MaxErrorDetails  int
	Retry            retry.Policy
}

// ItemError describes one document the store rejected
type ItemError struct {
	ID     string `json:"id"`
	Index  string `json:"index"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason"`
}

// Summary is the outcome of everything written through an Indexer
type Summary struct {
	Submitted int64       `json:"submitted"`
	Succeeded int64       `json:"succeeded"`
	Failed    int64       `json:"failed"`
	Aborted   int64       `json:"aborted"`
	Batches   int         `json:"batches"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// FailureRate is failed over processed documents
func (s Summary) FailureRate() float64 {
	processed := s.Succeeded + s.Failed
	if processed == 0 {
		return 0
	}
	return float64(s.Failed) / float64(processed)
}

// Indexer owns the write buffer. Producers hand documents to its owner
// goroutine through a channel of BatchSize capacity and block when it is full.
type Indexer struct {
	store Writer
	cfg   Config

	items chan search.BulkItem
	done  chan struct{}

	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	summary Summary
	fatal   error
}

// NewIndexer starts an indexer writing to store
func NewIndexer(store Writer, cfg Config) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = search.IsTransient
	}

	i := &Indexer{
		store: store,
		cfg:   cfg,
		items: make(chan search.BulkItem, cfg.BatchSize),
		done:  make(chan struct{}),
	}
	go i.run()
	return i
}

// Add queues one document. It blocks while the buffer is full and returns
// the fatal error once the failure budget is exceeded.
func (i *Indexer) Add(ctx context.Context, item search.BulkItem) error {
	if err := i.Err(); err != nil {
		return err
	}

	i.closeMu.RLock()
	defer i.closeMu.RUnlock()
	if i.closed {
		return ErrClosed
	}

	select {
	case i.items <- item:
		i.mu.Lock()
		i.summary.Submitted++
		i.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error, if any
func (i *Indexer) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fatal
}

// Close flushes what is buffered and waits for the owner goroutine. It is
// safe to call more than once.
func (i *Indexer) Close() (Summary, error) {
	i.closeMu.Lock()
	if !i.closed {
		i.closed = true
		close(i.items)
	}
	i.closeMu.Unlock()

	<-i.done

	i.mu.Lock()
	defer i.mu.Unlock()
	summary := i.summary
	summary.Errors = append([]ItemError(nil), i.summary.Errors...)
	return summary, i.fatal
}

func (i *Indexer) run() {
	defer close(i.done)

	batch := make([]search.BulkItem, 0, i.cfg.BatchSize)
	for item := range i.items {
		if i.Err() != nil {
			i.abort(item)
			continue
		}

		batch = append(batch, item)
		if len(batch) >= i.cfg.BatchSize {
			i.flush(batch)
			batch = make([]search.BulkItem, 0, i.cfg.BatchSize)
		}
	}

	if len(batch) == 0 {
		return
	}
	if i.Err() != nil {
		i.abort(batch...)
		return
	}
	i.flush(batch)
}

func (i *Indexer) abort(items ...search.BulkItem) {
	i.mu.Lock()
	i.summary.Aborted += int64(len(items))
	i.mu.Unlock()

	for _, item := range items {
		metrics.DocumentsWritten.WithLabelValues(item.Index, "aborted").Inc()
	}
}

// flush writes one batch. It runs detached from any caller context so that
// cancellation never interrupts a batch midway. Whole-request transient
// errors and per-item 429 rejections are retried.
func (i *Indexer) flush(batch []search.BulkItem) {
	ctx := context.Background()

	results := make([]search.BulkItemResult, len(batch))
	pending := make([]int, len(batch))
	for k := range pending {
		pending[k] = k
	}

	err := i.cfg.Retry.Do(ctx, fmt.Sprintf("bulk flush of %d documents", len(batch)), func(ctx context.Context) error {
		items := make([]search.BulkItem, len(pending))
		for k, pos := range pending {
			items[k] = batch[pos]
		}

		result, err := i.store.Bulk(ctx, items)
		if err != nil {
			return err
		}
		if len(result.Items) != len(items) {
			return fmt.Errorf("bulk response has %d items for %d requested", len(result.Items), len(items))
		}

		var rejected []int
		for k, itemResult := range result.Items {
			pos := pending[k]
			results[pos] = itemResult
			if itemResult.Status == http.StatusTooManyRequests {
				rejected = append(rejected, pos)
			}
		}
		pending = rejected
		if len(pending) > 0 {
			return &search.TransientError{Err: fmt.Errorf("%d documents rejected by store back-pressure", len(pending))}
		}
		return nil
	})

	if err != nil {
		log.Printf("Failed to bulk index %d of %d documents: %v", len(pending), len(batch), err)
		for _, pos := range pending {
			results[pos] = search.BulkItemResult{
				Action: batch[pos].Action,
				ID:     batch[pos].ID,
				Index:  batch[pos].Index,
				Status: results[pos].Status,
				Error:  err.Error(),
			}
		}
	}

	i.record(batch, results)
}

func (i *Indexer) record(batch []search.BulkItem, results []search.BulkItemResult) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.summary.Batches++
	failed := 0
	for k, itemResult := range results {
		if itemResult.Failed() {
			failed++
			i.summary.Failed++
			metrics.DocumentsWritten.WithLabelValues(batch[k].Index, "failed").Inc()
			if len(i.summary.Errors) < i.cfg.MaxErrorDetails {
				i.summary.Errors = append(i.summary.Errors, ItemError{
					ID:     batch[k].ID,
					Index:  batch[k].Index,
					Status: itemResult.Status,
					Reason: itemResult.Error,
				})
			}
			continue
		}
		i.summary.Succeeded++
		metrics.DocumentsWritten.WithLabelValues(batch[k].Index, "succeeded").Inc()
	}

	switch {
	case failed == 0:
		metrics.BulkFlushes.WithLabelValues("ok").Inc()
	case failed == len(batch):
		metrics.BulkFlushes.WithLabelValues("failed").Inc()
	default:
		metrics.BulkFlushes.WithLabelValues("partial").Inc()
	}

	if i.fatal == nil && i.summary.FailureRate() > i.cfg.FailureThreshold {
		i.fatal = fmt.Errorf("%w: %d of %d documents failed, threshold %.2f%%",
			ErrFailureBudgetExceeded, i.summary.Failed, i.summary.Succeeded+i.summary.Failed, i.cfg.FailureThreshold*100)
		log.Printf("Stopping bulk indexing: %v", i.fatal)
	}
}
