package eval

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region resolve
// Resolve scores a closed batch of trial samples. It fails with *InsufficientDataError
// when the batch is smaller than cfg.MinSamples (never less than 1). Signed margins
// are reported as computed; a negative margin fails its check.
func Resolve(samples []TrialSample, cfg EvalConfig) (UQReport, error) {
	need := cfg.MinSamples
	if need < 1 {
		need = 1
	}
	if len(samples) < need {
		return UQReport{}, &InsufficientDataError{Have: len(samples), Need: need}
	}
	if !(cfg.Confidence > 0 && cfg.Confidence < 1) {
		return UQReport{}, fmt.Errorf("resolve: confidence %g outside (0,1)", cfg.Confidence)
	}
	for _, s := range samples {
		if err := s.validate(); err != nil {
			return UQReport{}, fmt.Errorf("resolve: %w", err)
		}
	}

	byMetric := make(map[Metric][]TrialSample)
	for _, s := range samples {
		byMetric[s.Metric] = append(byMetric[s.Metric], s)
	}

	rep := UQReport{
		SampleCount: len(samples),
		Confidence:  cfg.Confidence,
	}

	// 1. Coverage and its Wilson interval over every sample
	within := 0
	for _, s := range samples {
		if s.Within() {
			within++
		}
	}
	rep.StatisticalCoverage = float64(within) / float64(len(samples))
	rep.WilsonIntervalLower, rep.WilsonIntervalUpper = Wilson(rep.StatisticalCoverage, len(samples), zScore(cfg.Confidence))
	rep.TrialCount, rep.CoverageStd = trialSpread(samples)

	// 2. Per-family margins
	if ss := byMetric[MetricLoopResidual]; len(ss) > 0 {
		rep.ControlLoopStability = rmsMargin(ss)
	}
	if ss := byMetric[MetricPerturbation]; len(ss) > 0 {
		rep.RobustnessMargin = worstMargin(ss)
	}
	if ss := byMetric[MetricShutdownLatency]; len(ss) > 0 {
		rep.ScalingFeasibility = withinFraction(ss)
	}
	if ss := byMetric[MetricFieldExposure]; len(ss) > 0 {
		rep.BiologicalSafetyFactor = worstMargin(ss)
	}
	for _, m := range Metrics() {
		if len(byMetric[m]) == 0 {
			rep.MissingMetrics = append(rep.MissingMetrics, m)
		}
	}

	// 3. Checks
	th := cfg.Thresholds
	rep.Checks = []EvalMetric{
		check("statistical_coverage", rep.StatisticalCoverage, th.Coverage, true),
		check("control_loop_stability", rep.ControlLoopStability, th.Stability, len(byMetric[MetricLoopResidual]) > 0),
		check("robustness_margin", rep.RobustnessMargin, th.Robustness, len(byMetric[MetricPerturbation]) > 0),
		check("scaling_feasibility", rep.ScalingFeasibility, th.Scaling, len(byMetric[MetricShutdownLatency]) > 0),
		check("biological_safety_factor", rep.BiologicalSafetyFactor, th.SafetyFactor, len(byMetric[MetricFieldExposure]) > 0),
	}

	var failed []string
	for _, c := range rep.Checks {
		if !c.Pass {
			failed = append(failed, fmt.Sprintf("%s %.4g below %.4g", c.Name, c.Value, c.Threshold))
		}
	}
	rep.OverallStatus = Passed
	rep.Reason = "all checks passed"
	if len(failed) > 0 {
		rep.OverallStatus = RequiresAdditionalValidation
		rep.Reason = fmt.Sprintf("%d checks failed: %s", len(failed), failed[0])
		if len(failed) == 1 {
			rep.Reason = "check failed: " + failed[0]
		}
	}
	return rep, nil
}

// Wilson returns the Wilson score interval for proportion p over n trials at normal
// quantile z. The bounds satisfy 0 <= lower <= p <= upper <= 1.
func Wilson(p float64, n int, z float64) (lower, upper float64) {
	if n <= 0 {
		return 0, 1
	}
	nf := float64(n)
	z2 := z * z
	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom

	lower = math.Max(0, center-half)
	upper = math.Min(1, center+half)
	// rounding at p = 0 or p = 1
	lower = math.Min(lower, p)
	upper = math.Max(upper, p)
	return lower, upper
}

// #endregion resolve

// #region engine
// ReportSink persists resolved reports.
type ReportSink interface {
	SaveReport(r UQReport) error
}

// Engine resolves batches and keeps the latest report as an immutable snapshot.
type Engine struct {
	config EvalConfig
	sink   ReportSink
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	latest *UQReport
}

// NewEngine creates an engine. sink and logger may be nil.
func NewEngine(config EvalConfig, sink ReportSink, logger *zap.Logger) *Engine {
	return &Engine{config: config, sink: sink, logger: logging.OrNop(logger), now: time.Now}
}

// Resolve scores samples, stamps the report and replaces the latest snapshot. An
// insufficient batch leaves the previous snapshot in place.
func (e *Engine) Resolve(samples []TrialSample) (UQReport, error) {
	rep, err := Resolve(samples, e.config)
	if err != nil {
		e.logger.Warn("uq resolution failed", zap.Int("samples", len(samples)), zap.Error(err))
		return UQReport{}, err
	}
	rep.ID = uuid.NewString()
	rep.GeneratedAt = e.now().UTC()

	e.mu.Lock()
	snap := rep.clone()
	e.latest = &snap
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("report_id", rep.ID),
		zap.String("overall_status", string(rep.OverallStatus)),
		zap.Float64("statistical_coverage", rep.StatisticalCoverage),
		zap.Float64("robustness_margin", rep.RobustnessMargin),
	}
	if rep.Passed() {
		e.logger.Info("uq report resolved", fields...)
	} else {
		e.logger.Warn("uq report requires additional validation", append(fields, zap.String("reason", rep.Reason))...)
	}

	if e.sink != nil {
		if err := e.sink.SaveReport(rep); err != nil {
			return rep, fmt.Errorf("save report: %w", err)
		}
	}
	return rep.clone(), nil
}

// Latest returns the most recent report.
func (e *Engine) Latest() (UQReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return UQReport{}, false
	}
	return e.latest.clone(), true
}

// #endregion engine

// #region helpers
func check(name string, value, threshold float64, present bool) EvalMetric {
	return EvalMetric{Name: name, Value: value, Threshold: threshold, Pass: present && value >= threshold}
}

// zScore is the two-sided normal quantile for a confidence level.
func zScore(confidence float64) float64 {
	return math.Sqrt2 * math.Erfinv(confidence)
}

// trialSpread returns the trial count and the sample std-dev of per-trial coverage.
func trialSpread(samples []TrialSample) (int, float64) {
	type tally struct{ in, n int }
	trials := make(map[string]*tally)
	for _, s := range samples {
		t := trials[s.TrialID]
		if t == nil {
			t = &tally{}
			trials[s.TrialID] = t
		}
		t.n++
		if s.Within() {
			t.in++
		}
	}
	if len(trials) < 2 {
		return len(trials), 0
	}

	ids := make([]string, 0, len(trials))
	for id := range trials {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fracs := make([]float64, len(ids))
	var mean float64
	for i, id := range ids {
		fracs[i] = float64(trials[id].in) / float64(trials[id].n)
		mean += fracs[i]
	}
	mean /= float64(len(fracs))
	var ss float64
	for _, f := range fracs {
		ss += (f - mean) * (f - mean)
	}
	return len(ids), math.Sqrt(ss / float64(len(fracs)-1))
}

// rmsMargin is the margin of the RMS error against the mean tolerance. Deviations are
// scaled by the largest one so squaring cannot overflow.
func rmsMargin(ss []TrialSample) float64 {
	n := float64(len(ss))
	var scale, meanTol float64
	for _, s := range ss {
		scale = math.Max(scale, math.Abs(s.Value-s.Target))
		meanTol += s.Tolerance / n
	}
	var rms float64
	if scale > 0 {
		var sq float64
		for _, s := range ss {
			d := (s.Value - s.Target) / scale
			sq += d * d
		}
		rms = scale * math.Sqrt(sq/n)
	}
	return saturate((meanTol - rms) / meanTol)
}

func worstMargin(ss []TrialSample) float64 {
	worst := math.Inf(1)
	for _, s := range ss {
		worst = math.Min(worst, s.Margin())
	}
	return worst
}

func withinFraction(ss []TrialSample) float64 {
	in := 0
	for _, s := range ss {
		if s.Within() {
			in++
		}
	}
	return float64(in) / float64(len(ss))
}

// #endregion helpers
