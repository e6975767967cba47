package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/actuator"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/session"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	sessTargetID string
	sessPatient  string
	sessTissue   string
	sessLevel    string
	sessMass     float64
	sessFrom     []float64
	sessTo       []float64
	sessSteps    int
	sessGain     float64
	sessInterval time.Duration
	sessLatency  time.Duration
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run one manipulation session with the emergency monitor in parallel",
	Long: `Moves a target along a linear trajectory. Every waypoint is certified by the
session's enforcer before it reaches the actuator (actuator_addr, or an in-process
simulated device when empty) while the monitor loop re-checks the applied field.`,
	RunE: runSession,
}

func init() {
	f := sessionCmd.Flags()
	f.StringVar(&sessTargetID, "target", "target-1", "target id")
	f.StringVar(&sessPatient, "patient", "", "patient reference (required)")
	f.StringVar(&sessTissue, "tissue", string(safety.TissueGeneral), "biological type of the target")
	f.StringVar(&sessLevel, "level", "", "safety level override (default from tissue)")
	f.Float64Var(&sessMass, "mass", 1e-15, "target mass in kg")
	f.Float64SliceVar(&sessFrom, "from", []float64{0, 0, 0}, "start position x,y,z (m)")
	f.Float64SliceVar(&sessTo, "to", []float64{1e-6, 0, 0}, "destination x,y,z (m)")
	f.IntVar(&sessSteps, "steps", 10, "waypoints")
	f.Float64Var(&sessGain, "gain", 1, "field gain per kg per metre")
	f.DurationVar(&sessInterval, "interval", time.Millisecond, "pause between waypoints")
	f.DurationVar(&sessLatency, "device-latency", 0, "simulated deenergize latency")
	_ = sessionCmd.MarkFlagRequired("patient")
}

func vec3(name string, xs []float64) (session.Vec3, error) {
	var v session.Vec3
	if len(xs) != 3 {
		return v, fmt.Errorf("--%s needs 3 components, got %d", name, len(xs))
	}
	copy(v[:], xs)
	return v, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Target and trajectory ---
	from, err := vec3("from", sessFrom)
	if err != nil {
		return err
	}
	to, err := vec3("to", sessTo)
	if err != nil {
		return err
	}
	tissue := safety.TissueType(sessTissue)
	level, err := safety.LevelForTissue(tissue)
	if err != nil {
		return err
	}
	if sessLevel != "" {
		if level, err = safety.ParseLevel(sessLevel); err != nil {
			return err
		}
	}
	target := session.Target{ID: sessTargetID, PatientRef: sessPatient, Position: from, Mass: sessMass, Tissue: tissue}
	traj, err := session.LinearTrajectory(target, to, sessSteps, sessGain)
	if err != nil {
		return err
	}

	// --- Wiring ---
	store, err := audit.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	var dev actuator.Device
	if cfg.ActuatorAddr != "" {
		client, err := actuator.NewClient(cfg.ActuatorAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		dev = client
	} else {
		dev = actuator.NewSimulated(sessLatency)
	}
	tap := actuator.NewTap(dev, level)

	ctrl := shutdown.NewController(registry, tap,
		shutdown.WithConfig(cfg.ShutdownConfig()),
		shutdown.WithSink(store),
		shutdown.WithLogger(logger),
		shutdown.WithInstruments(instruments),
	)
	defer ctrl.Close()
	mgr := session.NewManager(registry, ctrl, tap,
		session.WithLogger(logger),
		session.WithViolationSink(store),
	)

	id, err := mgr.Start(target, traj, level)
	if err != nil {
		return err
	}
	logger.Info("session running", logging.Session(id), logging.SafetyLevel(level),
		zap.String("actuator", cfg.ActuatorAddr))

	// --- Monitor loop and session steps run side by side ---
	g, gctx := errgroup.WithContext(ctx)
	monCtx, stopMonitor := context.WithCancel(gctx)
	g.Go(func() error {
		return ctrl.Run(monCtx, tap)
	})
	g.Go(func() error {
		defer stopMonitor()
		return driveSession(gctx, mgr, id)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// --- Wind down ---
	if ctrl.State() == shutdown.Nominal {
		offCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tap.Deenergize(offCtx); err != nil {
			logger.Error("end-of-session deenergize failed, triggering emergency", zap.Error(err))
			_ = ctrl.Trigger("end-of-session deenergize failed", level)
		}
	}
	if st := ctrl.State(); st == shutdown.Warning || st == shutdown.ShuttingDown {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ev, err := ctrl.WaitForShutdown(wctx)
		if err != nil {
			logger.Error("shutdown not confirmed", zap.Error(err))
		}
		_ = printJSON(ev)
	}

	info, err := mgr.Info(id)
	if err != nil {
		return err
	}
	snap := ctrl.Snapshot()
	if err := printJSON(map[string]any{
		"session":           info,
		"controller_state":  snap.State,
		"degraded":          snap.Degraded,
		"system_safe_state": snap.SystemSafeState,
	}); err != nil {
		return err
	}
	if info.Status != session.Completed {
		return fmt.Errorf("session %s %s: %s", id, info.Status, info.EndCause)
	}
	return nil
}

func driveSession(ctx context.Context, mgr *session.Manager, id string) error {
	for {
		res, err := mgr.Step(ctx, id)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Status.Closed() {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = mgr.Abort(id, "interrupted")
			return ctx.Err()
		case <-time.After(sessInterval):
		}
	}
}
