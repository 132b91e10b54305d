package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SignalsConfig represents the depth analyzer threshold configuration
type SignalsConfig struct {
	Buffer     BufferConfig     `yaml:"buffer"`
	KeyLevels  KeyLevelsConfig  `yaml:"key_levels"`
	Absorption AbsorptionConfig `yaml:"absorption"`
	Pressure   PressureConfig   `yaml:"pressure"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// BufferConfig sizes the rolling snapshot window
type BufferConfig struct {
	Capacity            int `yaml:"capacity"`              // snapshots retained (600 ≈ 120s at 5/s)
	EvalIntervalSeconds int `yaml:"eval_interval_seconds"` // analyzer cadence
}

// KeyLevelsConfig holds large-order detection thresholds
type KeyLevelsConfig struct {
	StrengthRatio      float64 `yaml:"strength_ratio"`       // multiple of mean orders to qualify
	PriceWindow        float64 `yaml:"price_window"`         // points around mid to scan
	ActiveAfterSeconds float64 `yaml:"active_after_seconds"` // forming → active promotion
	BreakingDropPct    float64 `yaml:"breaking_drop_pct"`    // % drop from peak orders
	TestTolerance      float64 `yaml:"test_tolerance"`       // price units counting as a test
	GCAfterSeconds     float64 `yaml:"gc_after_seconds"`     // drop broken/vanished levels
}

// AbsorptionConfig holds order-absorption detection thresholds
type AbsorptionConfig struct {
	LookbackMinSeconds float64 `yaml:"lookback_min_seconds"`
	LookbackMaxSeconds float64 `yaml:"lookback_max_seconds"`
	ReductionPct       float64 `yaml:"reduction_pct"` // % reduction vs lookback
}

// PressureConfig holds book-imbalance thresholds
type PressureConfig struct {
	TopLevels      int     `yaml:"top_levels"`      // levels per side in the sum
	WindowsSeconds []int   `yaml:"windows_seconds"` // averaging windows
	StateThreshold float64 `yaml:"state_threshold"` // |pressure| for a directional state
}

// AlertsConfig holds webhook noise filters
type AlertsConfig struct {
	MinLevelStrength          float64 `yaml:"min_level_strength"`
	MinLevelAgeSeconds        float64 `yaml:"min_level_age_seconds"`
	MinAbsorptionReductionPct float64 `yaml:"min_absorption_reduction_pct"`
	PressureMagnitude         float64 `yaml:"pressure_magnitude"`
	CooldownSeconds           int     `yaml:"cooldown_seconds"`
}

// LoadSignalsConfig loads analyzer thresholds from file
func LoadSignalsConfig(configPath string) (*SignalsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals config: %w", err)
	}

	config := DefaultSignalsConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse signals YAML: %w", err)
	}

	return config, nil
}

// SaveSignalsConfig saves analyzer thresholds to file
func SaveSignalsConfig(config *SignalsConfig, configPath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal signals config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write signals config: %w", err)
	}

	return nil
}

// Validate checks thresholds for safety and consistency
func (sc *SignalsConfig) Validate() []string {
	var errors []string

	if sc.Buffer.Capacity < 120 {
		errors = append(errors, fmt.Sprintf("buffer capacity %d below minimum 120 (need ≥120s of history)", sc.Buffer.Capacity))
	}
	if sc.Buffer.EvalIntervalSeconds < 1 {
		errors = append(errors, fmt.Sprintf("eval interval %ds must be at least 1s", sc.Buffer.EvalIntervalSeconds))
	}

	if sc.KeyLevels.StrengthRatio < 1.0 {
		errors = append(errors, fmt.Sprintf("key level strength ratio %.1f must be above 1.0", sc.KeyLevels.StrengthRatio))
	}
	if sc.KeyLevels.PriceWindow <= 0 {
		errors = append(errors, fmt.Sprintf("key level price window %.1f must be positive", sc.KeyLevels.PriceWindow))
	}
	if sc.KeyLevels.BreakingDropPct <= 0 || sc.KeyLevels.BreakingDropPct >= 100 {
		errors = append(errors, fmt.Sprintf("breaking drop %.1f%% outside (0%%, 100%%) range", sc.KeyLevels.BreakingDropPct))
	}

	if sc.Absorption.LookbackMinSeconds >= sc.Absorption.LookbackMaxSeconds {
		errors = append(errors, fmt.Sprintf("absorption lookback [%.0fs, %.0fs] is empty", sc.Absorption.LookbackMinSeconds, sc.Absorption.LookbackMaxSeconds))
	}
	if sc.Absorption.ReductionPct <= 0 || sc.Absorption.ReductionPct >= 100 {
		errors = append(errors, fmt.Sprintf("absorption reduction %.1f%% outside (0%%, 100%%) range", sc.Absorption.ReductionPct))
	}

	if sc.Pressure.TopLevels < 1 {
		errors = append(errors, fmt.Sprintf("pressure top levels %d must be positive", sc.Pressure.TopLevels))
	}
	if len(sc.Pressure.WindowsSeconds) == 0 {
		errors = append(errors, "pressure needs at least one averaging window")
	}
	if sc.Pressure.StateThreshold <= 0 || sc.Pressure.StateThreshold >= 1 {
		errors = append(errors, fmt.Sprintf("pressure state threshold %.2f outside (0, 1) range", sc.Pressure.StateThreshold))
	}

	if sc.Alerts.CooldownSeconds < 0 {
		errors = append(errors, fmt.Sprintf("alert cooldown %ds must not be negative", sc.Alerts.CooldownSeconds))
	}

	return errors
}

// DefaultSignalsConfig returns production thresholds
func DefaultSignalsConfig() *SignalsConfig {
	return &SignalsConfig{
		Buffer: BufferConfig{
			Capacity:            600,
			EvalIntervalSeconds: 10,
		},
		KeyLevels: KeyLevelsConfig{
			StrengthRatio:      2.5,
			PriceWindow:        100.0,
			ActiveAfterSeconds: 5,
			BreakingDropPct:    60.0,
			TestTolerance:      5.0,
			GCAfterSeconds:     60,
		},
		Absorption: AbsorptionConfig{
			LookbackMinSeconds: 30,
			LookbackMaxSeconds: 60,
			ReductionPct:       60.0,
		},
		Pressure: PressureConfig{
			TopLevels:      20,
			WindowsSeconds: []int{30, 60, 120},
			StateThreshold: 0.3,
		},
		Alerts: AlertsConfig{
			MinLevelStrength:          3.0,
			MinLevelAgeSeconds:        10,
			MinAbsorptionReductionPct: 70.0,
			PressureMagnitude:         0.4,
			CooldownSeconds:           300,
		},
	}
}

// GetSignalsConfigPath returns the default path for signals configuration
func GetSignalsConfigPath() string {
	return filepath.Join("configs", "signals.yaml")
}
