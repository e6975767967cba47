package main

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/spf13/cobra"
)

var (
	resolveSamples string
	resolveBatch   string
	resolveStore   bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Score a trial batch and print the UQ report",
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveSamples, "samples", "", "trial batch file (YAML or JSON)")
	resolveCmd.Flags().StringVar(&resolveBatch, "batch", "", "stored trial batch id (default latest)")
	resolveCmd.Flags().BoolVar(&resolveStore, "store", true, "persist the report and a file batch")
}

func runResolve(cmd *cobra.Command, args []string) error {
	store, err := audit.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	samples, source, ok, err := selectBatch(store, resolveSamples, resolveBatch)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no trial batch: pass --samples or store one with replay --store")
	}
	if resolveStore && resolveSamples != "" {
		if _, err := store.SaveSamples(source, samples); err != nil {
			return fmt.Errorf("store batch: %w", err)
		}
	}

	var sink eval.ReportSink
	if resolveStore {
		sink = store
	}
	rep, err := eval.NewEngine(cfg.EvalConfig(), sink, logger).Resolve(samples)
	var short *eval.InsufficientDataError
	if errors.As(err, &short) {
		return fmt.Errorf("batch %s: gather %d more samples: %w", source, short.Need-short.Have, err)
	}
	if err != nil {
		return err
	}
	return printJSON(rep)
}
