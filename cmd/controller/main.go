// Command controller runs the field-safety controller: certification drills, UQ
// resolution, manipulation sessions and the simulated actuator service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/config"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/metrics"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// #region globals
var (
	configPath string
	dbPath     string
	verbose    bool

	// populated by PersistentPreRunE
	cfg         *config.Config
	logger      *zap.Logger
	registry    *safety.Registry
	provider    *metrics.Provider
	instruments *metrics.Instruments
)

// #endregion globals

// #region root
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Safety-constrained field controller",
	Long: `Drives a field-generating device under positive-energy and tissue-specific
strength constraints, with a hard-deadline emergency shutdown path and a statistical
certification engine.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		lc := cfg.LoggingConfig()
		if verbose {
			lc.Level = "debug"
		}
		logger, err = logging.New(lc)
		if err != nil {
			return err
		}
		// misordered thresholds are fatal at startup
		registry, err = cfg.Registry()
		if err != nil {
			return err
		}
		provider, err = metrics.NewProvider(cmd.Context(), cfg.OTLPEndpoint, "fieldsafe-controller")
		if err != nil {
			return err
		}
		instruments, err = metrics.New(provider.MeterProvider.Meter("fieldsafe/controller"))
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if provider != nil {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Warn("metrics shutdown", zap.Error(err))
			}
		}
		_ = logger.Sync()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env FIELDSAFE_* overrides)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "audit database path (overrides db_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(certifyCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(deviceCmd)
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// #endregion main
