// Package retention expires or purges listings past the retention window.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/metrics"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// Mode selects what happens to a swept listing
type Mode string

const (
	// ModeSoft deactivates listings and keeps them in the index
	ModeSoft Mode = "soft"
	// ModePurge deletes listings
	ModePurge Mode = "purge"
)

// DefaultWindow is the retention window when none is configured
const DefaultWindow = 90 * 24 * time.Hour

// Store is the part of the search store a sweep uses
type Store interface {
	bulk.Writer
	Search(ctx context.Context, index string, q search.Query) (*search.SearchResult, error)
	Refresh(ctx context.Context, index string) error
}

// Config configures a Sweeper
type Config struct {
	// Index is the listings index or unfiltered alias
	Index       string
	ActiveField string
	Window      time.Duration
	Mode        Mode
	PageSize    int
	Bulk        bulk.Config
	Retry       retry.Policy
}

// ConfigFromSettings maps the retention and listings sections of the
// application config
func ConfigFromSettings(retention config.RetentionConfig, listings config.ListingsConfig, bulkCfg bulk.Config) Config {
	return Config{
		Index:       listings.AllAlias,
		ActiveField: listings.ActiveField,
		Window:      retention.Window(),
		Mode:        Mode(retention.Mode),
		PageSize:    retention.PageSize,
		Bulk:        bulkCfg,
		Retry:       bulkCfg.Retry,
	}
}

// Sweeper applies the retention window to the listings index
type Sweeper struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewSweeper creates a sweeper
func NewSweeper(store Store, cfg Config) *Sweeper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSoft
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.ActiveField == "" {
		cfg.ActiveField = "is_active"
	}
	return &Sweeper{store: store, cfg: cfg, now: time.Now}
}

// Sweep processes every listing that expired before now minus the window.
// Processed listings no longer match, so running it again changes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (*runstate.Run, error) {
	run := runstate.NewRun(runstate.OperationSweep, s.cfg.Index)

	switch s.cfg.Mode {
	case ModeSoft, ModePurge:
	default:
		err := fmt.Errorf("unknown retention mode %q", s.cfg.Mode)
		run.Finish(err)
		return run, err
	}

	cutoff := s.now().UTC().Add(-s.cfg.Window)
	log.Printf("Sweeping listings in %s that expired before %s (%s mode)", s.cfg.Index, cutoff.Format(time.RFC3339), s.cfg.Mode)

	writer := bulk.NewIndexer(s.store, s.cfg.Bulk)
	err := s.sweepPages(ctx, writer, cutoff, run)

	summary, bulkErr := writer.Close()
	if err == nil {
		err = bulkErr
	}
	if err == nil {
		if refreshErr := s.store.Refresh(ctx, s.cfg.Index); refreshErr != nil {
			err = fmt.Errorf("failed to refresh %s: %w", s.cfg.Index, refreshErr)
		}
	}

	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Aborted = summary.Aborted
	for _, itemErr := range summary.Errors {
		run.AddError("%s: status %d: %s", itemErr.ID, itemErr.Status, itemErr.Reason)
	}
	metrics.ListingsSwept.WithLabelValues(string(s.cfg.Mode)).Add(float64(summary.Succeeded))
	run.Finish(err)

	log.Printf("Retention sweep finished: %s", run)
	return run, err
}

func (s *Sweeper) sweepPages(ctx context.Context, writer *bulk.Indexer, cutoff time.Time, run *runstate.Run) error {
	q := search.Query{
		Range:  &search.DateBound{Field: "expires_at", Before: cutoff},
		SortBy: "listing_id",
		Size:   s.cfg.PageSize,
	}
	if s.cfg.Mode == ModeSoft {
		q.Filters = []search.TermFilter{{Field: s.cfg.ActiveField, Value: true}}
	}

	for {
		var result *search.SearchResult
		err := s.cfg.Retry.Do(ctx, "retention page after "+q.After, func(ctx context.Context) error {
			var err error
			result, err = s.store.Search(ctx, s.cfg.Index, q)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to select expired listings: %w", err)
		}

		for _, hit := range result.Hits {
			var key struct {
				ListingID string `json:"listing_id"`
			}
			if err := json.Unmarshal(hit.Source, &key); err != nil || key.ListingID == "" {
				return fmt.Errorf("listing %s in %s has no listing_id", hit.ID, s.cfg.Index)
			}
			q.After = key.ListingID

			if err := writer.Add(ctx, s.action(hit.ID)); err != nil {
				return err
			}
			run.Processed++
		}

		if len(result.Hits) < s.cfg.PageSize {
			return nil
		}
	}
}

func (s *Sweeper) action(id string) search.BulkItem {
	if s.cfg.Mode == ModePurge {
		return search.BulkItem{Action: search.ActionDelete, Index: s.cfg.Index, ID: id}
	}
	return search.BulkItem{
		Action: search.ActionUpdate,
		Index:  s.cfg.Index,
		ID:     id,
		Doc: map[string]interface{}{
			s.cfg.ActiveField: false,
			"status":          "expired",
		},
	}
}
