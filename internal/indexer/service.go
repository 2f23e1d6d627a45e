// Package indexer builds the property index from the certificate store.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/metrics"
	"github.com/tbrd/green-home-search/internal/paginator"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

// Store is the part of the search store a property build uses
type Store interface {
	paginator.TermsPager
	bulk.Writer
	Search(ctx context.Context, index string, q search.Query) (*search.SearchResult, error)
}

// Config configures a property build
type Config struct {
	CertificateIndex string
	UPRNField        string
	LodgementField   string
	PageSize         int
	MaxCertificates  int
	Workers          int
	Bulk             bulk.Config
	Retry            retry.Policy
}

// ConfigFromBuild maps the build section of the application config
func ConfigFromBuild(cfg config.BuildConfig) Config {
	policy := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBase(),
		MaxDelay:    cfg.RetryMax(),
	}
	return Config{
		CertificateIndex: cfg.CertificateIndex,
		UPRNField:        cfg.UPRNField,
		LodgementField:   cfg.LodgementField,
		PageSize:         cfg.PageSize,
		MaxCertificates:  cfg.MaxCertificates,
		Workers:          cfg.WorkerCount,
		Bulk: bulk.Config{
			BatchSize:        cfg.BatchSize,
			FailureThreshold: cfg.FailureThreshold,
			MaxErrorDetails:  cfg.MaxErrorDetails,
			Retry:            policy,
		},
		Retry: policy,
	}
}

// Service manages property index builds
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewService creates a new property build service
func NewService(store Store, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxCertificates <= 0 {
		cfg.MaxCertificates = 100
	}
	return &Service{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Build walks every UPRN of the certificate store and writes one property
// document per UPRN into target. A summary is returned for every outcome.
//
// On cancellation the paginator stops, workers finish the property they hold
// and buffered documents are flushed before Build returns.
func (s *Service) Build(ctx context.Context, target string) (*runstate.Run, error) {
	run := runstate.NewRun(runstate.OperationBuildProperties, target)
	log.Printf("Building properties into %s from %s (%d workers)", target, s.cfg.CertificateIndex, s.cfg.Workers)

	writer := bulk.NewIndexer(s.store, s.cfg.Bulk)
	pages := paginator.New(s.store, s.cfg.CertificateIndex, s.cfg.UPRNField, paginator.Options{
		PageSize: s.cfg.PageSize,
		Retry:    s.cfg.Retry,
	})

	var processed, skipped atomic.Int64
	ids := make(chan string, s.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ids)
		for pages.Next(gctx) {
			select {
			case ids <- pages.Value():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return pages.Err()
	})

	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error {
			for uprn := range ids {
				if gctx.Err() != nil {
					return nil
				}
				// A claimed property is finished even if the run is cancelled meanwhile
				ok, err := s.buildOne(context.WithoutCancel(gctx), writer, target, uprn)
				if err != nil {
					return err
				}
				processed.Add(1)
				if !ok {
					skipped.Add(1)
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

	run.Processed = processed.Load()
	run.Skipped = skipped.Load()
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Aborted = summary.Aborted
	for _, itemErr := range summary.Errors {
		run.AddError("%s: status %d: %s", itemErr.ID, itemErr.Status, itemErr.Reason)
	}
	run.Finish(err)

	log.Printf("Property build finished: %s", run)
	return run, err
}

// buildOne folds one property and queues it. It reports false when the
// property was skipped for having no certificates.
func (s *Service) buildOne(ctx context.Context, writer *bulk.Indexer, target, uprn string) (bool, error) {
	certs, err := s.fetchCertificates(ctx, uprn)
	if err != nil {
		return false, err
	}

	prop, err := epc.BuildProperty(uprn, certs, s.now())
	if errors.Is(err, epc.ErrNoCertificates) {
		log.Printf("Skipping property %s: no certificates found", uprn)
		metrics.PropertiesSkipped.Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to build property %s: %w", uprn, err)
	}

	if err := writer.Add(ctx, search.BulkItem{
		Action: search.ActionIndex,
		Index:  target,
		ID:     uprn,
		Doc:    prop,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// fetchCertificates returns the newest certificates of one property
func (s *Service) fetchCertificates(ctx context.Context, uprn string) ([]epc.Certificate, error) {
	q := search.Query{
		Filters: []search.TermFilter{{Field: s.cfg.UPRNField, Value: uprn}},
		SortBy:  s.cfg.LodgementField,
		Desc:    true,
		Size:    s.cfg.MaxCertificates,
	}

	var result *search.SearchResult
	err := s.cfg.Retry.Do(ctx, "fetch certificates for "+uprn, func(ctx context.Context) error {
		var err error
		result, err = s.store.Search(ctx, s.cfg.CertificateIndex, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch certificates for %s: %w", uprn, err)
	}
	if result.Total > int64(len(result.Hits)) {
		log.Printf("Certificate history of %s truncated to the newest %d of %d", uprn, len(result.Hits), result.Total)
	}

	certs := make([]epc.Certificate, 0, len(result.Hits))
	for _, hit := range result.Hits {
		var cert epc.Certificate
		if err := json.Unmarshal(hit.Source, &cert); err != nil {
			log.Printf("Ignoring unreadable certificate %s of %s: %v", hit.ID, uprn, err)
			continue
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
