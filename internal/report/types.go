// Package report assembles the deployment certification document from the emergency
// drill and the UQ engine.
package report

import "time"

// #region component
// ComponentStatus is the verdict for one certified component.
type ComponentStatus string

const (
	ComponentPassed ComponentStatus = "PASSED"
	ComponentFailed ComponentStatus = "FAILED"
)

// Component names used in certification documents.
const (
	ComponentShutdownController = "emergency_shutdown_controller"
	ComponentUQEngine           = "uq_resolution_engine"
)

// ComponentResult is one entry of component_validation_results. DetailedResults is a
// per-level LevelResult map for the controller and the UQ report for the engine.
type ComponentResult struct {
	Component       string          `json:"component"`
	Status          ComponentStatus `json:"status"`
	DetailedResults any             `json:"detailed_results"`
}

// #endregion component

// #region level-result
// LevelResult is the drill outcome for one safety level. The shutdown success flag and
// the safe-state flag are independent: a late shutdown still reaches a safe state.
// EmergencyShutdownTimeMs is the elapsed wait when the device never confirmed off.
type LevelResult struct {
	InitializationSuccess    bool    `json:"initialization_success"`
	PositiveEnergyGuaranteed bool    `json:"positive_energy_guaranteed"`
	NoExoticMatter           bool    `json:"no_exotic_matter"`
	EnergyDensityJm3         float64 `json:"energy_density_j_m3"`
	MaxEnergyDensityJm3      float64 `json:"max_energy_density_j_m3"`
	EnergyDensityRatio       float64 `json:"energy_density_ratio"`
	EnergyDensityWithinLimit bool    `json:"energy_density_within_limit"`
	EmergencyShutdownTimeMs  float64 `json:"emergency_shutdown_time_ms"`
	EmergencyShutdownSuccess bool    `json:"emergency_shutdown_success"`
	SystemSafeState          bool    `json:"system_safe_state"`
	Error                    string  `json:"error,omitempty"`
}

// Passed reports whether every check held.
func (r LevelResult) Passed() bool {
	return r.InitializationSuccess && r.PositiveEnergyGuaranteed && r.NoExoticMatter &&
		r.EnergyDensityWithinLimit && r.EmergencyShutdownSuccess && r.SystemSafeState
}

// #endregion level-result

// #region certification
// ReadyThreshold is the readiness percentage at or above which a deployment is READY.
const ReadyThreshold = 90.0

// DeploymentState is the overall deployment verdict.
type DeploymentState string

const (
	Ready             DeploymentState = "READY"
	RequiresAttention DeploymentState = "REQUIRES_ATTENTION"
)

// DeploymentStatus summarizes the component results.
type DeploymentStatus struct {
	OverallStatus              DeploymentState `json:"overall_status"`
	ReadinessPercentage        float64         `json:"deployment_readiness_percentage"`
	ValidatedComponents        int             `json:"validated_components"`
	TotalComponents            int             `json:"total_components"`
	CriticalSystemsOperational bool            `json:"critical_systems_operational"`
}

// Certification is the document handed to deployment tooling. Recommendations and
// NextSteps are keyed to the readiness percentage.
type Certification struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	DeploymentStatus DeploymentStatus  `json:"deployment_status"`
	Components       []ComponentResult `json:"component_validation_results"`
	Recommendations  []string          `json:"deployment_recommendations"`
	NextSteps        []string          `json:"next_steps"`
}

// #endregion certification
