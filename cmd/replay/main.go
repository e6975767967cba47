package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/replay"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"go.uber.org/zap"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to trial fixture (YAML or JSON)")
	dbPath := flag.String("db", "", "store the sample batch and UQ report in this audit db")
	minSamples := flag.Int("min-samples", eval.DefaultEvalConfig().MinSamples, "UQ minimum batch size")
	jsonOut := flag.Bool("json", false, "output summary and report as JSON")
	verbose := flag.Bool("v", false, "log controller events to stderr")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.yaml [--db audit.db] [--min-samples N] [--json]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *dbPath, *minSamples, *jsonOut, *verbose))
}

func run(fixturePath, dbPath string, minSamples int, jsonOut, verbose bool) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	var logger *zap.Logger
	if verbose {
		if logger, err = logging.New(logging.Config{Level: "debug", Development: true}); err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			return 2
		}
		defer logger.Sync()
	}

	cfg := f.ToReplayConfig(safety.DefaultRegistry())
	cfg.Logger = logger
	results, samples, err := replay.Replay(context.Background(), f.ToTrials(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	var sink eval.ReportSink
	if dbPath != "" {
		store, err := audit.NewStore(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open db: %v\n", err)
			return 2
		}
		defer store.Close()
		batchID, err := store.SaveSamples(f.Description, samples)
		if err != nil {
			fmt.Fprintf(os.Stderr, "store batch: %v\n", err)
			return 2
		}
		fmt.Fprintf(os.Stderr, "stored batch %s (%d samples)\n", batchID, len(samples))
		sink = store
	}

	ec := eval.DefaultEvalConfig()
	ec.MinSamples = minSamples
	rep, uqErr := eval.NewEngine(ec, sink, logger).Resolve(samples)
	if uqErr != nil && !errors.Is(uqErr, eval.ErrInsufficientData) {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", uqErr)
		return 2
	}

	summary := replay.Summarize(results)
	if jsonOut {
		out := map[string]any{"summary": summary, "trials": results}
		if uqErr == nil {
			out["uq_report"] = rep
		} else {
			out["uq_error"] = uqErr.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 2
		}
		return exitCode(results, f.ExpectedResults)
	}

	code := printComparison(results, f.ExpectedResults)
	printSummary(summary)
	if uqErr != nil {
		fmt.Printf("\nUQ: %v\n", uqErr)
	} else {
		printReport(rep)
	}
	return code
}

// #endregion main

// #region output

// printComparison outputs expected vs replayed outcomes per trial and returns the exit code.
func printComparison(results []replay.TrialResult, expected []replay.FixtureExpectedResult) int {
	fmt.Printf("%-14s| %-30s| %-30s| %-9s| %s\n", "Trial", "Expected", "Replayed", "Shutdown", "Match")
	fmt.Printf("%-14s+%-31s+%-31s+%-10s+%s\n",
		"--------------", "-------------------------------", "-------------------------------", "----------", "------")

	byID := make(map[string]replay.FixtureExpectedResult, len(expected))
	for _, e := range expected {
		byID[e.TrialID] = e
	}

	matches, compared := 0, 0
	for _, r := range results {
		exp, ok := byID[r.TrialID]
		if !ok {
			fmt.Printf("%-14s| %-30s| %-30s| %-9v| %s\n", r.TrialID, "-", joinOutcomes(r.Outcomes), r.Event != nil, "-")
			continue
		}
		compared++
		match := "DIFF"
		if trialMatches(r, exp) {
			match = "OK"
			matches++
		}
		fmt.Printf("%-14s| %-30s| %-30s| %-9v| %s\n",
			r.TrialID, joinOutcomes(exp.Outcomes), joinOutcomes(r.Outcomes), r.Event != nil, match)
	}

	diverge := compared - matches
	fmt.Printf("\nComparison: %d compared, %d match, %d diverge\n", compared, matches, diverge)
	if diverge > 0 {
		return 1
	}
	return 0
}

func exitCode(results []replay.TrialResult, expected []replay.FixtureExpectedResult) int {
	byID := make(map[string]replay.FixtureExpectedResult, len(expected))
	for _, e := range expected {
		byID[e.TrialID] = e
	}
	for _, r := range results {
		if exp, ok := byID[r.TrialID]; ok && !trialMatches(r, exp) {
			return 1
		}
	}
	return 0
}

func trialMatches(r replay.TrialResult, exp replay.FixtureExpectedResult) bool {
	if (r.Event != nil) != exp.Shutdown || len(r.Outcomes) != len(exp.Outcomes) {
		return false
	}
	for i := range exp.Outcomes {
		if r.Outcomes[i] != exp.Outcomes[i] {
			return false
		}
	}
	return true
}

func joinOutcomes(outcomes []gate.Outcome) string {
	parts := make([]string, len(outcomes))
	for i, o := range outcomes {
		parts[i] = string(o)
	}
	return strings.Join(parts, ",")
}

func printSummary(s replay.ReplaySummary) {
	fmt.Printf("\nTrials: %d | Samples: %d | accepted %d, projected %d, rejected %d\n",
		s.TotalTrials, s.TotalSamples, s.Accepted, s.Projected, s.Rejected)
	fmt.Printf("Shutdowns: %d | deadline misses %d | unsafe %d\n", s.Shutdowns, s.DeadlineMisses, s.UnsafeStates)
}

func printReport(r eval.UQReport) {
	fmt.Printf("\nUQ report (%d samples, %d trials): %s\n", r.SampleCount, r.TrialCount, r.OverallStatus)
	fmt.Printf("  %-26s %10s %10s  %s\n", "Check", "Value", "Threshold", "Pass")
	for _, c := range r.Checks {
		fmt.Printf("  %-26s %10.4f %10.4f  %v\n", c.Name, c.Value, c.Threshold, c.Pass)
	}
	fmt.Printf("  wilson interval [%.4f, %.4f] at %.2f\n", r.WilsonIntervalLower, r.WilsonIntervalUpper, r.Confidence)
	if len(r.MissingMetrics) > 0 {
		fmt.Printf("  missing: %v\n", r.MissingMetrics)
	}
	fmt.Printf("  %s\n", r.Reason)
}

// #endregion output
