package report

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/actuator"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region fakes
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// slowRelay confirms off after advancing its clock by latency.
type slowRelay struct {
	clock   *stepClock
	latency time.Duration
}

func (r slowRelay) Deenergize(context.Context) error {
	r.clock.advance(r.latency)
	return nil
}

type deadRelay struct{}

func (deadRelay) Deenergize(context.Context) error { return errors.New("relay welded") }

func latencyRig(latency time.Duration) Rig {
	return func(safety.Level) (Bench, error) {
		clk := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		return Bench{Device: slowRelay{clock: clk, latency: latency}, Options: []shutdown.Option{shutdown.WithClock(clk)}}, nil
	}
}

// startActuator serves dev over an in-memory listener and returns the dial options
// that reach it.
func startActuator(t *testing.T, dev actuator.Device) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	actuator.RegisterServer(srv, dev)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// #endregion fakes

// #region drill-tests
func TestDrillPassesWithinDeadline(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Rig = latencyRig(12 * time.Millisecond)

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentShutdownController, comp.Component)
	assert.Equal(t, ComponentPassed, comp.Status)

	results := comp.DetailedResults.(map[string]LevelResult)
	require.Len(t, results, len(safety.Levels()))
	for _, l := range safety.Levels() {
		r := results[l.String()]
		assert.True(t, r.InitializationSuccess, l.String())
		assert.True(t, r.PositiveEnergyGuaranteed, l.String())
		assert.True(t, r.NoExoticMatter, l.String())
		assert.InDelta(t, 12.0, r.EmergencyShutdownTimeMs, 1e-9, l.String())
		assert.True(t, r.EmergencyShutdownSuccess, l.String())
		assert.True(t, r.SystemSafeState, l.String())
	}
}

func TestDrillLateShutdownIsFailedButSafe(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.NeuralUltraSafe, safety.SurgicalTools}
	cfg.Rig = latencyRig(108 * time.Millisecond)

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentFailed, comp.Status)

	results := comp.DetailedResults.(map[string]LevelResult)
	require.Len(t, results, 2)
	for key, r := range results {
		assert.InDelta(t, 108.0, r.EmergencyShutdownTimeMs, 1e-9, key)
		assert.False(t, r.EmergencyShutdownSuccess, key)
		assert.True(t, r.SystemSafeState, key)
		assert.Empty(t, r.Error, key)
	}
}

func TestDrillUnconfirmedDeviceIsUnsafe(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.TissueStandard}
	cfg.Timeout = 20 * time.Millisecond
	cfg.Rig = func(safety.Level) (Bench, error) { return Bench{Device: deadRelay{}}, nil }

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentFailed, comp.Status)

	r := comp.DetailedResults.(map[string]LevelResult)["tissue_standard"]
	assert.False(t, r.EmergencyShutdownSuccess)
	assert.False(t, r.SystemSafeState)
	assert.NotEmpty(t, r.Error)
	// the wait is reported, not a zero response time
	assert.GreaterOrEqual(t, r.EmergencyShutdownTimeMs, 20.0)
}

func TestDrillBenchFailureFailsLevel(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.OrganLevel}
	cfg.Rig = func(safety.Level) (Bench, error) { return Bench{}, errors.New("no route to actuator") }

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentFailed, comp.Status)
	r := comp.DetailedResults.(map[string]LevelResult)["organ_level"]
	assert.Contains(t, r.Error, "no route to actuator")
	assert.False(t, r.SystemSafeState)
}

func TestDrillReportsEnergyDensity(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Rig = latencyRig(time.Millisecond)

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, ComponentPassed, comp.Status)
	for key, r := range comp.DetailedResults.(map[string]LevelResult) {
		assert.True(t, r.EnergyDensityWithinLimit, key)
		assert.InDelta(t, 0.5, r.EnergyDensityRatio, 1e-9, key)
		assert.InDelta(t, r.MaxEnergyDensityJm3/2, r.EnergyDensityJm3, r.MaxEnergyDensityJm3*1e-9, key)
	}

	// raising a field limit without its energy limit lets the certified field exceed it
	reg, err := safety.DefaultRegistry().WithOverrides(map[safety.Level]float64{safety.TissueStandard: 1e-11}, 0)
	require.NoError(t, err)
	cfg = DefaultDrillConfig(reg)
	cfg.Levels = []safety.Level{safety.TissueStandard}
	cfg.Rig = latencyRig(time.Millisecond)

	comp, err = RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentFailed, comp.Status)
	r := comp.DetailedResults.(map[string]LevelResult)["tissue_standard"]
	assert.False(t, r.EnergyDensityWithinLimit)
	assert.InDelta(t, 5.0, r.EnergyDensityRatio, 1e-9)
	assert.True(t, r.EmergencyShutdownSuccess)
}

func TestRigForSelectsDevice(t *testing.T) {
	bench, err := RigFor("", 0)(safety.OrganLevel)
	require.NoError(t, err)
	assert.IsType(t, &actuator.Simulated{}, bench.Device)
	assert.Nil(t, bench.Close)

	remote := actuator.NewSimulated(0)
	opts := startActuator(t, remote)
	bench, err = RigFor("passthrough:///bufnet", 0, opts...)(safety.OrganLevel)
	require.NoError(t, err)
	assert.IsType(t, &actuator.Client{}, bench.Device)
	require.NotNil(t, bench.Close)
	require.NoError(t, bench.Close())
	assert.Zero(t, remote.DeenergizeCalls())
}

func TestDrillOverActuatorService(t *testing.T) {
	remote := actuator.NewSimulated(0)
	opts := startActuator(t, remote)

	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.NeuralUltraSafe, safety.OrganLevel}
	cfg.MaxParallel = 1
	cfg.Rig = RigFor("passthrough:///bufnet", 0, opts...)

	comp, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, ComponentPassed, comp.Status)
	assert.Equal(t, 2, remote.DeenergizeCalls())
}

func TestDrillRejectsBadInput(t *testing.T) {
	_, err := RunDrill(context.Background(), DrillConfig{})
	assert.Error(t, err)

	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.Level(42)}
	_, err = RunDrill(context.Background(), cfg)
	assert.ErrorIs(t, err, safety.ErrUnknownLevel)
}

// #endregion drill-tests

// #region build-tests
func TestBuildReadiness(t *testing.T) {
	cases := []struct {
		name      string
		statuses  []ComponentStatus
		want      DeploymentState
		readiness float64
	}{
		{"all passed", []ComponentStatus{ComponentPassed, ComponentPassed}, Ready, 100},
		{"half", []ComponentStatus{ComponentPassed, ComponentFailed}, RequiresAttention, 50},
		{"nine of ten", []ComponentStatus{
			ComponentPassed, ComponentPassed, ComponentPassed, ComponentPassed, ComponentPassed,
			ComponentPassed, ComponentPassed, ComponentPassed, ComponentPassed, ComponentFailed,
		}, Ready, 90},
		{"empty", nil, RequiresAttention, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			comps := make([]ComponentResult, len(tc.statuses))
			for i, s := range tc.statuses {
				comps[i] = ComponentResult{Component: "c", Status: s}
			}
			c := Build(comps)
			assert.Equal(t, tc.want, c.DeploymentStatus.OverallStatus)
			assert.Equal(t, tc.want == Ready, c.DeploymentStatus.CriticalSystemsOperational)
			assert.Len(t, c.Recommendations, 5)
			assert.Len(t, c.NextSteps, 5)
			assert.InDelta(t, tc.readiness, c.DeploymentStatus.ReadinessPercentage, 1e-9)
			assert.Equal(t, len(tc.statuses), c.DeploymentStatus.TotalComponents)
		})
	}
}

func TestCertificationJSONShape(t *testing.T) {
	cfg := DefaultDrillConfig(safety.DefaultRegistry())
	cfg.Levels = []safety.Level{safety.OrganLevel}
	cfg.Rig = latencyRig(108 * time.Millisecond)
	drill, err := RunDrill(context.Background(), cfg)
	require.NoError(t, err)

	uq := UQComponent(eval.UQReport{OverallStatus: eval.Passed})
	assert.Equal(t, ComponentPassed, uq.Status)

	b, err := json.Marshal(Build([]ComponentResult{drill, uq}))
	require.NoError(t, err)

	var doc struct {
		DeploymentStatus map[string]any `json:"deployment_status"`
		Components       []struct {
			Component       string                     `json:"component"`
			Status          string                     `json:"status"`
			DetailedResults map[string]json.RawMessage `json:"detailed_results"`
		} `json:"component_validation_results"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "REQUIRES_ATTENTION", doc.DeploymentStatus["overall_status"])
	assert.EqualValues(t, 50, doc.DeploymentStatus["deployment_readiness_percentage"])
	require.Len(t, doc.Components, 2)
	assert.Equal(t, "FAILED", doc.Components[0].Status)

	var organ map[string]any
	require.NoError(t, json.Unmarshal(doc.Components[0].DetailedResults["organ_level"], &organ))
	assert.Equal(t, false, organ["emergency_shutdown_success"])
	assert.Equal(t, true, organ["system_safe_state"])
	assert.EqualValues(t, 108, organ["emergency_shutdown_time_ms"])
	assert.Equal(t, true, organ["energy_density_within_limit"])
	assert.Contains(t, organ, "energy_density_ratio")

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &top))
	assert.Contains(t, top, "deployment_recommendations")
	assert.Contains(t, top, "next_steps")
	assert.Equal(t, false, doc.DeploymentStatus["critical_systems_operational"])
}

func TestBuildRecommendationsFollowReadiness(t *testing.T) {
	passed := ComponentResult{Component: "c", Status: ComponentPassed}
	failed := ComponentResult{Component: "c", Status: ComponentFailed}

	full := Build([]ComponentResult{passed, passed})
	nine := make([]ComponentResult, 0, 10)
	for i := 0; i < 9; i++ {
		nine = append(nine, passed)
	}
	trial := Build(append(nine, failed))
	half := Build([]ComponentResult{passed, failed})

	assert.Equal(t, "Deploy for clinical use", full.Recommendations[0])
	assert.Equal(t, "Deploy for controlled clinical trials only", trial.Recommendations[0])
	assert.Equal(t, "Validate the remaining components", half.Recommendations[0])
	assert.Equal(t, "Validate the remaining components", Build(nil).Recommendations[0])

	assert.Equal(t, full.NextSteps, trial.NextSteps)
	assert.Equal(t, "Complete component validation", half.NextSteps[0])
}

// #endregion build-tests
