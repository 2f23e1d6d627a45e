package listings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/metrics"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// PipelineConfig configures an upsert run
type PipelineConfig struct {
	// Target is the index or alias listings are written to
	Target    string
	Workers   int
	Bulk      bulk.Config
	Operation string
}

// Pipeline reads a source, enriches each record and upserts the listings
type Pipeline struct {
	enricher *Enricher
	store    bulk.Writer
	cfg      PipelineConfig
}

// NewPipeline creates an upsert pipeline writing to store
func NewPipeline(enricher *Enricher, store bulk.Writer, cfg PipelineConfig) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Operation == "" {
		cfg.Operation = runstate.OperationIngestListings
	}
	return &Pipeline{enricher: enricher, store: store, cfg: cfg}
}

// Run upserts every record of src. Invalid records and dangling references
// are rejected and counted; store and source failures stop the run.
func (p *Pipeline) Run(ctx context.Context, src Source) (*runstate.Run, error) {
	run := runstate.NewRun(p.cfg.Operation, p.cfg.Target)
	log.Printf("Upserting listings into %s (%d workers)", p.cfg.Target, p.cfg.Workers)

	writer := bulk.NewIndexer(p.store, p.cfg.Bulk)

	var mu sync.Mutex
	reject := func(reason string, err error) {
		metrics.ListingsRejected.WithLabelValues(reason).Inc()
		mu.Lock()
		defer mu.Unlock()
		run.Rejected++
		run.AddError("%v", err)
	}
	processed := func() {
		mu.Lock()
		run.Processed++
		mu.Unlock()
	}

	records := make(chan *Record, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(records)
		for {
			rec, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrInvalidRecord) {
				processed()
				reject("invalid", err)
				continue
			}
			if err != nil {
				return err
			}

			select {
			case records <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for w := 0; w < p.cfg.Workers; w++ {
		g.Go(func() error {
			for rec := range records {
				if gctx.Err() != nil {
					return nil
				}
				if err := p.upsert(context.WithoutCancel(gctx), writer, rec, processed, reject); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	summary, bulkErr := writer.Close()
	if err == nil {
		err = bulkErr
	}

	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Aborted = summary.Aborted
	for _, itemErr := range summary.Errors {
		run.AddError("%s: status %d: %s", itemErr.ID, itemErr.Status, itemErr.Reason)
	}
	run.Finish(err)

	log.Printf("Listing upsert finished: %s", run)
	return run, err
}

func (p *Pipeline) upsert(ctx context.Context, writer *bulk.Indexer, rec *Record, processed func(), reject func(string, error)) error {
	processed()

	listing, err := p.enricher.Enrich(ctx, rec)
	switch {
	case errors.Is(err, ErrInvalidRecord):
		reject("invalid", err)
		return nil
	case errors.Is(err, ErrDanglingReference):
		reject("dangling_reference", err)
		return nil
	case err != nil:
		return err
	}

	// Full overwrite keyed by listing id, never a partial merge
	if err := writer.Add(ctx, search.BulkItem{
		Action: search.ActionIndex,
		Index:  p.cfg.Target,
		ID:     listing.ListingID,
		Doc:    listing,
	}); err != nil {
		return fmt.Errorf("failed to queue listing %s: %w", listing.ListingID, err)
	}
	return nil
}
