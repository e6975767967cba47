package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/report"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	certifyLevels  []string
	certifyLatency time.Duration
	certifySamples string
	certifyBatch   string
	certifyOut     string
	certifyStrict  bool
)

var certifyCmd = &cobra.Command{
	Use:   "certify",
	Short: "Run the emergency drill and UQ resolution and emit a certification document",
	Long: `Drills every safety level against the actuator service at actuator_addr (one level
at a time) or, when none is configured, the simulated device, scores the trial batch
(a samples file, a stored batch or the latest stored batch) and writes the
certification JSON. A missing batch leaves the UQ component out.`,
	RunE: runCertify,
}

func init() {
	certifyCmd.Flags().StringSliceVar(&certifyLevels, "levels", nil, "levels to drill (default all)")
	certifyCmd.Flags().DurationVar(&certifyLatency, "device-latency", 0, "simulated deenergize latency (ignored with actuator_addr)")
	certifyCmd.Flags().StringVar(&certifySamples, "samples", "", "trial batch file (YAML or JSON)")
	certifyCmd.Flags().StringVar(&certifyBatch, "batch", "", "stored trial batch id")
	certifyCmd.Flags().StringVarP(&certifyOut, "out", "o", "", "write the document here instead of stdout")
	certifyCmd.Flags().BoolVar(&certifyStrict, "strict", false, "exit non-zero unless READY")
}

func runCertify(cmd *cobra.Command, args []string) error {
	store, err := audit.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	dc := report.DefaultDrillConfig(registry)
	dc.Monitor = cfg.ShutdownConfig()
	dc.DeviceLatency = certifyLatency
	dc.EnergyCoupling = cfg.Safety.EnergyCoupling
	dc.Rig = report.RigFor(cfg.ActuatorAddr, certifyLatency)
	if cfg.ActuatorAddr != "" {
		// one physical device: levels take turns
		dc.MaxParallel = 1
		logger.Info("drilling remote actuator", zap.String("actuator", cfg.ActuatorAddr))
	}
	dc.Sink = store
	dc.AuditSink = store
	dc.Logger = logger
	for _, key := range certifyLevels {
		l, err := safety.ParseLevel(key)
		if err != nil {
			return err
		}
		dc.Levels = append(dc.Levels, l)
	}

	drill, err := report.RunDrill(cmd.Context(), dc)
	if err != nil {
		return err
	}
	components := []report.ComponentResult{drill}

	samples, source, ok, err := selectBatch(store, certifySamples, certifyBatch)
	if err != nil {
		return err
	}
	if ok {
		engine := eval.NewEngine(cfg.EvalConfig(), store, logger)
		rep, err := engine.Resolve(samples)
		if err != nil {
			return fmt.Errorf("resolve batch %s: %w", source, err)
		}
		components = append(components, report.UQComponent(rep))
	} else {
		logger.Warn("no trial batch available, certifying without uq component")
	}

	cert := report.Build(components)
	logger.Info("certification built",
		zap.String("overall_status", string(cert.DeploymentStatus.OverallStatus)),
		zap.Float64("readiness", cert.DeploymentStatus.ReadinessPercentage),
	)

	if certifyOut != "" {
		b, err := json.MarshalIndent(cert, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(certifyOut, b, 0o644); err != nil {
			return fmt.Errorf("write certification: %w", err)
		}
	} else if err := printJSON(cert); err != nil {
		return err
	}

	if certifyStrict && cert.DeploymentStatus.OverallStatus != report.Ready {
		return fmt.Errorf("deployment %s at %.0f%%", cert.DeploymentStatus.OverallStatus, cert.DeploymentStatus.ReadinessPercentage)
	}
	return nil
}
