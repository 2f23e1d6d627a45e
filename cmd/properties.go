package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tbrd/green-home-search/internal/indexer"
	"github.com/tbrd/green-home-search/internal/lifecycle"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/runstate"
)

var buildPropertiesCmd = &cobra.Command{
	Use:   "build-properties",
	Short: "Build a new properties index version and cut the alias over to it",
	Long: `Fold every UPRN of the certificate store into a property document, written
to a fresh properties-vN index. The properties alias moves to the new version
only when the build succeeds; the previous version is then deleted unless
--keep-old is given.`,
	RunE: runBuildProperties,
}

func init() {
	rootCmd.AddCommand(buildPropertiesCmd)

	buildPropertiesCmd.Flags().Int("version", 0, "version to build (default next free version)")
	buildPropertiesCmd.Flags().Bool("force", false, "recreate the version if it exists and is unbound")
	buildPropertiesCmd.Flags().Bool("keep-old", false, "keep the previous version after the cutover")
	buildPropertiesCmd.Flags().Int("workers", 0, "concurrent property builders")
	buildPropertiesCmd.Flags().Int("batch-size", 0, "documents per bulk request")

	viper.BindPFlag("build.worker_count", buildPropertiesCmd.Flags().Lookup("workers"))
	viper.BindPFlag("build.batch_size", buildPropertiesCmd.Flags().Lookup("batch-size"))
}

func runBuildProperties(cmd *cobra.Command, args []string) error {
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

	manager := lifecycle.NewManager(a.store, lifecycle.PropertiesFamily(a.cfg.Build))
	if version <= 0 {
		if version, err = manager.NextVersion(ctx); err != nil {
			return err
		}
	} else if _, err := manager.Discover(ctx); err != nil {
		return err
	}

	def, loaded, err := mapping.Load("properties", version)
	if err != nil {
		return err
	}
	log.Printf("Building %s with mapping v%d", lifecycle.IndexName(a.cfg.Build.Family, version), loaded)

	service := indexer.NewService(a.store, indexer.ConfigFromBuild(a.cfg.Build))
	started := false
	rebuild := func(ctx context.Context, index string) error {
		started = true
		run, err := service.Build(ctx, index)
		a.record(run)
		if err != nil {
			return err
		}
		return a.store.Refresh(ctx, index)
	}

	cutover, err := manager.Repoint(ctx, def, version, rebuild, lifecycle.RepointOptions{Force: force, KeepOld: keepOld})
	if err != nil {
		a.recordUnstarted(runstate.OperationBuildProperties, lifecycle.IndexName(a.cfg.Build.Family, version), started, err)
		return fmt.Errorf("property build failed: %w", err)
	}
	logCutover(cutover)
	return nil
}

func logCutover(c *lifecycle.Cutover) {
	switch {
	case c.From == "":
		log.Printf("Bound %s aliases to %s", c.Family, c.To)
	case c.Retired:
		log.Printf("Moved %s aliases from %s to %s and retired %s", c.Family, c.From, c.To, c.From)
	default:
		log.Printf("Moved %s aliases from %s to %s, %s kept", c.Family, c.From, c.To, c.From)
	}
}
