package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
)

func drillTrials(n int, sample []float64) []Trial {
	out := make([]Trial, n)
	for i := range out {
		out[i] = Trial{ID: fmt.Sprintf("drill-%02d", i), Samples: [][]float64{sample}, Drill: true}
	}
	return out
}

func TestReplayFeedsPassingBatch(t *testing.T) {
	cfg := DefaultReplayConfig(safety.DefaultRegistry())

	results, samples, err := Replay(context.Background(), drillTrials(10, []float64{1e-13}), cfg)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(samples) != 40 {
		t.Fatalf("expected 40 samples, got %d", len(samples))
	}
	for _, r := range results {
		if r.Final != shutdown.Shutdown {
			t.Fatalf("trial %s ended in %s", r.TrialID, r.Final)
		}
	}

	rep, err := eval.Resolve(samples, eval.DefaultEvalConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rep.OverallStatus != eval.Passed {
		t.Fatalf("expected PASSED, got %s: %s", rep.OverallStatus, rep.Reason)
	}
}

func TestReplayOverLimitFailsSafetyFactor(t *testing.T) {
	cfg := DefaultReplayConfig(safety.DefaultRegistry())
	trials := drillTrials(10, []float64{1e-13})
	trials[4].Samples = append(trials[4].Samples, []float64{3e-12})

	results, samples, err := Replay(context.Background(), trials, cfg)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := results[4].Outcomes[1]; got != gate.Rejected {
		t.Fatalf("expected rejected, got %s", got)
	}
	if results[4].Event == nil || results[4].Event.TriggerReason == "certification drill" {
		t.Fatalf("rejection should have tripped the controller, event = %+v", results[4].Event)
	}

	rep, err := eval.Resolve(samples, eval.DefaultEvalConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rep.BiologicalSafetyFactor >= 0 {
		t.Fatalf("safety factor = %v, want negative", rep.BiologicalSafetyFactor)
	}
	if rep.OverallStatus != eval.RequiresAdditionalValidation {
		t.Fatalf("expected REQUIRES_ADDITIONAL_VALIDATION, got %s", rep.OverallStatus)
	}
}

func TestReplaySkipsNonFiniteMeasurements(t *testing.T) {
	results, samples, err := Replay(context.Background(), []Trial{{ID: "nan", Samples: [][]float64{{math.NaN()}}}},
		DefaultReplayConfig(safety.DefaultRegistry()))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if results[0].Outcomes[0] != gate.Rejected {
		t.Fatalf("expected rejected, got %s", results[0].Outcomes[0])
	}
	// only the shutdown latency sample
	if len(samples) != 1 || samples[0].Metric != eval.MetricShutdownLatency {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestReplayRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultReplayConfig(safety.DefaultRegistry())
	cfg.Level = safety.Level(99)
	if _, _, err := Replay(context.Background(), drillTrials(1, []float64{0}), cfg); !errors.Is(err, safety.ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}

	if _, _, err := Replay(context.Background(), nil, ReplayConfig{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
}
