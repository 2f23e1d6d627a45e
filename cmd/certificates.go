package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbrd/green-home-search/internal/indexer"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/search"
)

var loadCertificatesCmd = &cobra.Command{
	Use:   "load-certificates FILE",
	Short: "Load certificates from a JSON lines file into the certificate store",
	Long: `Load one certificate per line into the certificate index, keyed by LMK_KEY.
The index is created first when it does not exist, from the shipped mapping or
from a column type table given with --mapping.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoadCertificates,
}

func init() {
	rootCmd.AddCommand(loadCertificatesCmd)

	loadCertificatesCmd.Flags().String("index", "", "certificate index (default build.certificate_index)")
	loadCertificatesCmd.Flags().String("mapping", "", "JSON mapping or column type table used when creating the index")
	loadCertificatesCmd.Flags().Int("batch-size", 0, "documents per bulk request (default build.batch_size)")
}

func runLoadCertificates(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	index, _ := cmd.Flags().GetString("index")
	if index == "" {
		index = a.cfg.Build.CertificateIndex
	}
	mappingFile, _ := cmd.Flags().GetString("mapping")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = a.cfg.Build.BatchSize
	}

	def, err := certificateMapping(mappingFile)
	if err != nil {
		return err
	}
	err = a.store.CreateIndex(ctx, index, def)
	switch {
	case err == nil:
		log.Printf("Created certificate index %s", index)
	case errors.Is(err, search.ErrIndexExists):
	default:
		return fmt.Errorf("failed to create certificate index %s: %w", index, err)
	}

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open certificates: %w", err)
	}
	defer file.Close()

	run, err := indexer.LoadCertificates(ctx, a.store, index, file, a.bulkConfig(batchSize))
	a.record(run)
	if err != nil {
		return err
	}
	return a.store.Refresh(ctx, index)
}

func certificateMapping(path string) (*mapping.Definition, error) {
	if path == "" {
		def, _, err := mapping.Load("certificates", 1)
		return def, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	def, err := mapping.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping %s: %w", path, err)
	}
	return def, nil
}
