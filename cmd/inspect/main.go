package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to the audit database")
	kind := flag.String("kind", "events", "rows to list: violations | events | transitions | reports")
	last := flag.Int("last", 20, "show N most recent rows")
	latest := flag.Bool("latest-report", false, "show the latest UQ report in detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/audit.db [--kind violations|events|transitions|reports] [--last N] [--latest-report] [--json]")
		os.Exit(2)
	}

	store, err := audit.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *latest {
		err = runReportDetail(store, *jsonOut)
	} else {
		err = runListMode(store, *kind, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

func runListMode(store *audit.Store, kind string, last int, jsonOut bool) error {
	switch kind {
	case "violations":
		rows, err := store.ListViolations(last)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-24s  %-18s  %-18s  %12s  %s\n", "Time", "Level", "Rule", "Magnitude", "Indices")
		fmt.Println(strings.Repeat("-", 90))
		for _, v := range rows {
			mag := fmt.Sprintf("%12.4g", v.Magnitude)
			if v.NonFinite {
				mag = fmt.Sprintf("%12s", "non-finite")
			}
			fmt.Printf("%-24s  %-18s  %-18s  %s  %v\n",
				stamp(v.Timestamp), v.SafetyLevel, v.Rule, mag, v.Indices)
		}
	case "events":
		rows, err := store.ListEvents(last)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-10s  %-24s  %-18s  %9s  %9s  %-7s  %-5s  %s\n",
			"Event", "Triggered", "Level", "Resp ms", "Limit ms", "Success", "Safe", "Reason")
		fmt.Println(strings.Repeat("-", 110))
		for _, e := range rows {
			fmt.Printf("%-10s  %-24s  %-18s  %9.3f  %9.1f  %-7v  %-5v  %s\n",
				shortID(e.ID), stamp(e.TriggerTimestamp), e.SafetyLevel, e.ResponseTimeMs(), e.DeadlineMs(),
				e.Success(), e.SystemSafeState, e.TriggerReason)
		}
	case "transitions":
		rows, err := store.ListTransitions(last)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-24s  %-14s  %-14s  %s\n", "Time", "From", "To", "Reason")
		fmt.Println(strings.Repeat("-", 80))
		for _, t := range rows {
			fmt.Printf("%-24s  %-14s  %-14s  %s\n", stamp(t.At), t.From, t.To, t.Reason)
		}
	case "reports":
		rows, err := store.ListReports(last)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(rows)
		}
		fmt.Printf("%-10s  %-24s  %7s  %8s  %9s  %s\n", "Report", "Generated", "Samples", "Coverage", "Robust", "Status")
		fmt.Println(strings.Repeat("-", 90))
		for _, r := range rows {
			fmt.Printf("%-10s  %-24s  %7d  %8.4f  %9.4f  %s\n",
				shortID(r.ID), stamp(r.GeneratedAt), r.SampleCount, r.StatisticalCoverage, r.RobustnessMargin, r.OverallStatus)
		}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func runReportDetail(store *audit.Store, jsonOut bool) error {
	r, err := store.LatestReport()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(r)
	}
	printReport(r)
	return nil
}

func printReport(r eval.UQReport) {
	fmt.Printf("Report:     %s\n", r.ID)
	fmt.Printf("Generated:  %s\n", stamp(r.GeneratedAt))
	fmt.Printf("Samples:    %d over %d trials\n", r.SampleCount, r.TrialCount)
	fmt.Printf("Status:     %s\n", r.OverallStatus)
	fmt.Printf("Reason:     %s\n", r.Reason)
	fmt.Printf("Coverage:   %.4f +/- %.4f, Wilson [%.4f, %.4f] at %.2f\n",
		r.StatisticalCoverage, r.CoverageStd, r.WilsonIntervalLower, r.WilsonIntervalUpper, r.Confidence)

	fmt.Printf("\nChecks:\n")
	for _, c := range r.Checks {
		mark := "FAIL"
		if c.Pass {
			mark = "ok"
		}
		fmt.Printf("  %-26s %10.4f  >= %-8.4f %s\n", c.Name, c.Value, c.Threshold, mark)
	}
	if len(r.MissingMetrics) > 0 {
		fmt.Printf("\nMissing metric families: %v\n", r.MissingMetrics)
	}
}

// #endregion detail-mode

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
