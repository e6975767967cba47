package safety

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// #region level
// Level is a biological safety tier. The set is closed; the numeric order is the
// canonical order from most to least sensitive tissue.
type Level int

const (
	NeuralUltraSafe Level = iota
	VascularSafe
	CellularSafe
	TissueStandard
	OrganLevel
	SurgicalTools

	numLevels = iota
)

var levelKeys = [numLevels]string{
	NeuralUltraSafe: "neural_ultra_safe",
	VascularSafe:    "vascular_safe",
	CellularSafe:    "cellular_safe",
	TissueStandard:  "tissue_standard",
	OrganLevel:      "organ_level",
	SurgicalTools:   "surgical_tools",
}

// Levels returns every level in canonical order.
func Levels() []Level {
	out := make([]Level, numLevels)
	for i := range out {
		out[i] = Level(i)
	}
	return out
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= 0 && l < numLevels
}

// String returns the wire key used in reports.
func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelKeys[l]
}

// MarshalText encodes the level as its wire key.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLevel, int(l))
	}
	return []byte(levelKeys[l]), nil
}

// UnmarshalText decodes a wire key.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel maps a wire key back to its Level.
func ParseLevel(s string) (Level, error) {
	for i, k := range levelKeys {
		if k == s {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// #endregion level

// #region tissue
// TissueType classifies a biological target.
type TissueType string

const (
	TissueNeural      TissueType = "neural_tissue"
	TissueBloodVessel TissueType = "blood_vessel"
	TissueCell        TissueType = "cell"
	TissueGeneral     TissueType = "tissue"
	TissueOrgan       TissueType = "organ"
	TissueInstrument  TissueType = "surgical_instrument"
)

var tissueLevels = map[TissueType]Level{
	TissueNeural:      NeuralUltraSafe,
	TissueBloodVessel: VascularSafe,
	TissueCell:        CellularSafe,
	TissueGeneral:     TissueStandard,
	TissueOrgan:       OrganLevel,
	TissueInstrument:  SurgicalTools,
}

// LevelForTissue returns the default safety level for a tissue classification.
func LevelForTissue(t TissueType) (Level, error) {
	l, ok := tissueLevels[t]
	if !ok {
		return 0, fmt.Errorf("%w: tissue %q", ErrUnknownLevel, string(t))
	}
	return l, nil
}

// #endregion tissue

// #region level-spec
// LevelSpec is one row of the registry table.
type LevelSpec struct {
	Level            Level
	Label            string
	MaxFieldStrength float64       // max allowed field magnitude
	MaxEnergyDensity float64       // J/m³ limit for a certified field
	ShutdownDeadline time.Duration // max emergency response latency
}

// ReferenceEnergyCoupling converts field magnitude to energy density in J/m³ per unit
// field. Under it every reference level reaches its energy-density limit exactly at its
// field-strength limit.
const ReferenceEnergyCoupling = 1e-12

// EnergyDensity returns the energy density of a field of the given magnitude.
func EnergyDensity(magnitude, coupling float64) float64 {
	return math.Min(math.Abs(magnitude)*coupling, math.MaxFloat64)
}

// EnergyDensityRatio returns density as a fraction of the level's limit; above 1 the
// limit is exceeded. A spec without a positive limit saturates at math.MaxFloat64.
func (s LevelSpec) EnergyDensityRatio(density float64) float64 {
	if !(s.MaxEnergyDensity > 0) {
		return math.MaxFloat64
	}
	return math.Min(density/s.MaxEnergyDensity, math.MaxFloat64)
}

// #endregion level-spec

// #region errors
var (
	ErrUnknownLevel           = errors.New("unknown safety level")
	ErrNonMonotonicThresholds = errors.New("non-monotonic safety thresholds")
	ErrIncompleteRegistry     = errors.New("incomplete safety registry")
)

// ConfigError describes a registry table rejected at startup.
type ConfigError struct {
	Err    error
	Level  Level
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("safety config: %v at %s: %s", e.Err, e.Level, e.Detail)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// #endregion errors
