package listings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// CopyStore is the part of the store a copy reads and writes
type CopyStore interface {
	bulk.Writer
	Search(ctx context.Context, index string, q search.Query) (*search.SearchResult, error)
}

// CopyConfig configures a listings copy
type CopyConfig struct {
	PageSize int
	Bulk     bulk.Config
	Retry    retry.Policy
}

// Copy writes every listing of from into to, paging by listing id. It is
// the rebuild step of a listings repoint.
func Copy(ctx context.Context, store CopyStore, from, to string, cfg CopyConfig) (*runstate.Run, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	run := runstate.NewRun(runstate.OperationRepoint, to)
	log.Printf("Copying listings from %s to %s", from, to)

	writer := bulk.NewIndexer(store, cfg.Bulk)
	err := copyPages(ctx, store, writer, from, to, cfg, run)

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

	log.Printf("Listing copy finished: %s", run)
	return run, err
}

func copyPages(ctx context.Context, store CopyStore, writer *bulk.Indexer, from, to string, cfg CopyConfig, run *runstate.Run) error {
	after := ""
	for {
		q := search.Query{SortBy: "listing_id", After: after, Size: cfg.PageSize}

		var result *search.SearchResult
		err := cfg.Retry.Do(ctx, "copy page after "+after, func(ctx context.Context) error {
			var err error
			result, err = store.Search(ctx, from, q)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to read listings from %s: %w", from, err)
		}

		for _, hit := range result.Hits {
			var key struct {
				ListingID string `json:"listing_id"`
			}
			if err := json.Unmarshal(hit.Source, &key); err != nil || key.ListingID == "" {
				return fmt.Errorf("listing %s in %s has no listing_id", hit.ID, from)
			}
			after = key.ListingID

			if err := writer.Add(ctx, search.BulkItem{
				Action: search.ActionIndex,
				Index:  to,
				ID:     hit.ID,
				Doc:    hit.Source,
			}); err != nil {
				return err
			}
			run.Processed++
		}

		if len(result.Hits) < cfg.PageSize {
			return nil
		}
	}
}
