package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/bulk"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/runstate"
	"github.com/tbrd/green-home-search/internal/search"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "green-home-search",
	Short: "Build and maintain the EPC property and listings search indexes",
	Long: `green-home-search folds energy performance certificates into per-property
documents, enriches sale and rental listings with them and keeps both families
of versioned indexes behind stable aliases.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "store backend, elasticsearch or bleve")
	rootCmd.PersistentFlags().String("state", "", "run history file")

	viper.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("state.path", rootCmd.PersistentFlags().Lookup("state"))
}

// app holds what every command needs
type app struct {
	cfg     *config.Config
	store   search.Store
	history *runstate.StateManager
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := search.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	history := runstate.NewStateManager(cfg.State.Path, cfg.State.History)
	if err := history.Load(); err != nil {
		// The history is an operator log; a damaged file must not block runs
		log.Printf("Warning: %v", err)
	}

	return &app{cfg: cfg, store: store, history: history}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("Failed to close store: %v", err)
	}
}

// record appends run to the history. A run that never started is skipped.
func (a *app) record(run *runstate.Run) {
	if run == nil {
		return
	}
	if err := a.history.Record(run); err != nil {
		log.Printf("Failed to record run %s: %v", run.ID, err)
	}
}

// recordUnstarted keeps a failed run in the history for an operation that
// stopped before its rebuild began
func (a *app) recordUnstarted(operation, target string, started bool, err error) {
	if err == nil || started {
		return
	}
	run := runstate.NewRun(operation, target)
	run.Finish(err)
	a.record(run)
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Build.RetryAttempts,
		BaseDelay:   a.cfg.Build.RetryBase(),
		MaxDelay:    a.cfg.Build.RetryMax(),
	}
}

// bulkConfig shares the failure budget and retry settings of the build
// section with a different batch size
func (a *app) bulkConfig(batchSize int) bulk.Config {
	return bulk.Config{
		BatchSize:        batchSize,
		FailureThreshold: a.cfg.Build.FailureThreshold,
		MaxErrorDetails:  a.cfg.Build.MaxErrorDetails,
		Retry:            a.retryPolicy(),
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
