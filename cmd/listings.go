package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tbrd/green-home-search/internal/cache"
	"github.com/tbrd/green-home-search/internal/lifecycle"
	"github.com/tbrd/green-home-search/internal/listings"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/mongodb"
	"github.com/tbrd/green-home-search/internal/paginator"
	"github.com/tbrd/green-home-search/internal/retention"
	"github.com/tbrd/green-home-search/internal/runstate"
)

// Listing feed sources
const (
	sourceFile    = "file"
	sourceMongoDB = "mongodb"
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Manage the listings indexes",
}

var listingsCreateIndexCmd = &cobra.Command{
	Use:   "create-index",
	Short: "Create a listings index version and bind the listings aliases to it",
	RunE:  runListingsCreateIndex,
}

var listingsBindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Point the listings aliases at an existing version",
	RunE:  runListingsBind,
}

var listingsRepointCmd = &cobra.Command{
	Use:   "repoint",
	Short: "Copy the current listings into a new version and cut the aliases over",
	RunE:  runListingsRepoint,
}

var listingsIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Enrich listings from a feed and upsert them",
	Long: `Read listing records from a JSON lines file or the MongoDB feed collection,
attach the current data of each linked property and upsert the listings.
Records that are invalid or reference a missing property are counted and
skipped.`,
	RunE: runListingsIngest,
}

var listingsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate demo listings for a sample of the properties",
	RunE:  runListingsGenerate,
}

var listingsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire or purge listings past the retention window",
	RunE:  runListingsSweep,
}

func init() {
	rootCmd.AddCommand(listingsCmd)
	listingsCmd.AddCommand(listingsCreateIndexCmd, listingsBindCmd, listingsRepointCmd,
		listingsIngestCmd, listingsGenerateCmd, listingsSweepCmd)

	listingsCreateIndexCmd.Flags().Int("version", 1, "version to create")
	listingsCreateIndexCmd.Flags().Bool("force", false, "recreate the version if it exists and is unbound")
	listingsCreateIndexCmd.Flags().Bool("no-bind", false, "create the index without binding the aliases")

	listingsBindCmd.Flags().Int("version", 0, "version to bind")
	listingsBindCmd.MarkFlagRequired("version")

	listingsRepointCmd.Flags().Int("version", 0, "version to create (default next free version)")
	listingsRepointCmd.Flags().Bool("force", false, "recreate the version if it exists and is unbound")
	listingsRepointCmd.Flags().Bool("keep-old", false, "keep the previous version after the cutover")

	listingsIngestCmd.Flags().String("source", "", "feed source, file or mongodb")
	listingsIngestCmd.Flags().String("file", "", "JSON lines feed file")
	listingsIngestCmd.Flags().String("target", "", "index or alias to write to (default listings.all_alias)")
	viper.BindPFlag("listings.source", listingsIngestCmd.Flags().Lookup("source"))
	viper.BindPFlag("listings.file", listingsIngestCmd.Flags().Lookup("file"))

	listingsGenerateCmd.Flags().Float64("sample-rate", 0, "percentage of properties that get a listing")
	listingsGenerateCmd.Flags().Int64("seed", 0, "random seed, 0 seeds from the clock")
	viper.BindPFlag("listings.generator.sample_rate", listingsGenerateCmd.Flags().Lookup("sample-rate"))
	viper.BindPFlag("listings.generator.seed", listingsGenerateCmd.Flags().Lookup("seed"))

	listingsSweepCmd.Flags().String("mode", "", "soft or purge")
	listingsSweepCmd.Flags().Int("window-days", 0, "days after expiry a listing is kept")
	viper.BindPFlag("retention.mode", listingsSweepCmd.Flags().Lookup("mode"))
	viper.BindPFlag("retention.window_days", listingsSweepCmd.Flags().Lookup("window-days"))
}

func (a *app) listingsManager() *lifecycle.Manager {
	return lifecycle.NewManager(a.store, lifecycle.ListingsFamily(a.cfg.Listings))
}

func runListingsCreateIndex(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	version, _ := cmd.Flags().GetInt("version")
	force, _ := cmd.Flags().GetBool("force")
	noBind, _ := cmd.Flags().GetBool("no-bind")

	def, _, err := mapping.Load("listings", version)
	if err != nil {
		return err
	}

	manager := a.listingsManager()
	name, err := manager.CreateVersioned(ctx, def, version, force)
	switch {
	case err == nil:
		if err := manager.MarkReady(version); err != nil {
			return err
		}
	case errors.Is(err, lifecycle.ErrVersionExists):
		log.Printf("Index %s already exists, use --force to recreate it", lifecycle.IndexName(a.cfg.Listings.Family, version))
	default:
		return err
	}

	if noBind {
		return nil
	}
	if err := manager.BindAliases(ctx, version); err != nil {
		return err
	}
	if name != "" {
		log.Printf("Listings index %s is ready", name)
	}
	return nil
}

func runListingsBind(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	version, _ := cmd.Flags().GetInt("version")
	return a.listingsManager().BindAliases(ctx, version)
}

func runListingsRepoint(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	version, _ := cmd.Flags().GetInt("version")
	force, _ := cmd.Flags().GetBool("force")
	keepOld, _ := cmd.Flags().GetBool("keep-old")

	manager := a.listingsManager()
	if version <= 0 {
		if version, err = manager.NextVersion(ctx); err != nil {
			return err
		}
	}
	_, hasOld, err := manager.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	def, _, err := mapping.Load("listings", version)
	if err != nil {
		return err
	}

	from := a.cfg.Listings.AllAlias
	copyCfg := listings.CopyConfig{
		PageSize: a.cfg.Listings.CopyPageSize,
		Bulk:     a.bulkConfig(a.cfg.Listings.BatchSize),
		Retry:    a.retryPolicy(),
	}
	started := false
	rebuild := func(ctx context.Context, index string) error {
		started = true
		if !hasOld {
			log.Printf("No listings bound to %s, %s starts empty", from, index)
			return nil
		}
		run, err := listings.Copy(ctx, a.store, from, index, copyCfg)
		a.record(run)
		if err != nil {
			return err
		}
		return a.store.Refresh(ctx, index)
	}

	cutover, err := manager.Repoint(ctx, def, version, rebuild, lifecycle.RepointOptions{Force: force, KeepOld: keepOld})
	if err != nil {
		a.recordUnstarted(runstate.OperationRepoint, lifecycle.IndexName(a.cfg.Listings.Family, version), started, err)
		return fmt.Errorf("listings repoint failed: %w", err)
	}
	logCutover(cutover)
	return nil
}

// resolver reads properties through the properties alias, behind the Redis
// cache when one is configured
func (a *app) resolver(ctx context.Context) (listings.PropertyResolver, func(), error) {
	storeResolver := listings.NewStoreResolver(a.store, a.cfg.Listings.PropertiesIndex, a.retryPolicy())
	if !a.cfg.Redis.Enabled {
		return storeResolver, func() {}, nil
	}

	client, err := cache.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	cached := cache.NewRedisResolver(client, storeResolver, a.cfg.Redis.Prefix, time.Duration(a.cfg.Redis.TTL)*time.Second)
	log.Printf("Caching property lookups in redis for %ds", a.cfg.Redis.TTL)
	return cached, func() { cached.Close() }, nil
}

func (a *app) pipeline(ctx context.Context, target, operation string) (*listings.Pipeline, func(), error) {
	resolver, closeResolver, err := a.resolver(ctx)
	if err != nil {
		return nil, nil, err
	}
	pipeline := listings.NewPipeline(listings.NewEnricher(resolver), a.store, listings.PipelineConfig{
		Target:    target,
		Workers:   a.cfg.Listings.WorkerCount,
		Bulk:      a.bulkConfig(a.cfg.Listings.BatchSize),
		Operation: operation,
	})
	return pipeline, closeResolver, nil
}

func runListingsIngest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	target, _ := cmd.Flags().GetString("target")
	if target == "" {
		target = a.cfg.Listings.AllAlias
	}

	var src listings.Source
	switch a.cfg.Listings.Source {
	case sourceFile:
		if a.cfg.Listings.File == "" {
			return fmt.Errorf("a feed file is required, set --file or listings.file")
		}
		file, err := listings.OpenFile(a.cfg.Listings.File)
		if err != nil {
			return err
		}
		src = file
	case sourceMongoDB:
		client, err := mongodb.NewClient(ctx, a.cfg.MongoDB)
		if err != nil {
			return err
		}
		defer client.Disconnect()
		cursor, err := client.Listings(ctx, nil)
		if err != nil {
			return err
		}
		src = cursor
	default:
		return fmt.Errorf("unknown listing source %q", a.cfg.Listings.Source)
	}
	defer src.Close()

	pipeline, closeResolver, err := a.pipeline(ctx, target, runstate.OperationIngestListings)
	if err != nil {
		return err
	}
	defer closeResolver()

	run, err := pipeline.Run(ctx, src)
	a.record(run)
	return err
}

func runListingsGenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	gen := a.cfg.Listings.Generator
	generator := listings.NewGenerator(a.store, listings.GeneratorConfig{
		PropertiesIndex: a.cfg.Listings.PropertiesIndex,
		SampleRate:      gen.SampleRate,
		Seed:            gen.Seed,
		SourceName:      gen.SourceName,
		Pages: paginator.Options{
			PageSize: a.cfg.Build.PageSize,
			Retry:    a.retryPolicy(),
		},
	})
	log.Printf("Generating listings for %.1f%% of %s", gen.SampleRate, a.cfg.Listings.PropertiesIndex)

	pipeline, closeResolver, err := a.pipeline(ctx, a.cfg.Listings.AllAlias, runstate.OperationGenerate)
	if err != nil {
		return err
	}
	defer closeResolver()

	run, err := pipeline.Run(ctx, generator)
	a.record(run)
	return err
}

func runListingsSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	sweeper := retention.NewSweeper(a.store, retention.ConfigFromSettings(
		a.cfg.Retention, a.cfg.Listings, a.bulkConfig(a.cfg.Listings.BatchSize)))

	run, err := sweeper.Sweep(ctx)
	a.record(run)
	return err
}
