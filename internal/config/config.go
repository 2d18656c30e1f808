// Package config loads the tunable constants of the capability lifecycle:
// scoring weights, the strength policy, retention thresholds, storage and
// logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Weights struct {
	Depth          float64 `yaml:"depth" validate:"gte=0"`
	Count          float64 `yaml:"count" validate:"gte=0"`
	LayerDiversity float64 `yaml:"layer_diversity" validate:"gte=0"`
	MetaTool       float64 `yaml:"meta_tool" validate:"gte=0"`
}

type Strength struct {
	Floor     float64 `yaml:"floor" validate:"gt=0"`
	Increment float64 `yaml:"increment" validate:"gt=0"`
}

// Thresholds are the minimum strengths a capability needs to survive at each
// compression level.
type Thresholds struct {
	Low    float64 `yaml:"low" validate:"gte=0"`
	Medium float64 `yaml:"medium" validate:"gtefield=Low"`
	High   float64 `yaml:"high" validate:"gtefield=Medium"`
}

type Emergence struct {
	Strength    float64 `yaml:"strength" validate:"gte=0"`
	Connections int     `yaml:"connections" validate:"gte=0"`
}

type Trend struct {
	Window int     `yaml:"window" validate:"gte=2"`
	Slope  float64 `yaml:"slope" validate:"gte=0"`
}

type Analysis struct {
	MinOccurrences    int `yaml:"min_occurrences" validate:"gte=1"`
	CacheSize         int `yaml:"cache_size" validate:"gte=0"`
	AnalyzersPerRound int `yaml:"analyzers_per_round" validate:"gte=0"`
}

type Storage struct {
	Kind string `yaml:"kind" validate:"oneof=memory file sqlite"`
	Path string `yaml:"path"`
}

type Log struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Weights    Weights    `yaml:"weights"`
	Strength   Strength   `yaml:"strength"`
	Thresholds Thresholds `yaml:"thresholds"`
	Emergence  Emergence  `yaml:"emergence"`
	Trend      Trend      `yaml:"trend"`
	Analysis   Analysis   `yaml:"analysis"`
	Storage    Storage    `yaml:"storage"`
	Log        Log        `yaml:"log"`
}

func Default() Config {
	return Config{
		Weights: Weights{
			Depth:          10,
			Count:          1,
			LayerDiversity: 5,
			MetaTool:       3,
		},
		Strength: Strength{
			Floor:     1.0,
			Increment: 0.5,
		},
		Thresholds: Thresholds{
			Low:    1.0,
			Medium: 1.5,
			High:   2.0,
		},
		Emergence: Emergence{
			Strength:    2.0,
			Connections: 2,
		},
		Trend: Trend{
			Window: 5,
			Slope:  5,
		},
		Analysis: Analysis{
			MinOccurrences:    2,
			CacheSize:         256,
			AnalyzersPerRound: 3,
		},
		Storage: Storage{
			Kind: "memory",
			Path: "mycelial.db",
		},
		Log: Log{
			Level: "info",
		},
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse overlays YAML data on the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path (a missing file means defaults), applies MYCELIAL_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			cfg, err = Parse(data)
			if err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays the MYCELIAL_* variables. A numeric variable that does
// not parse is an error naming the variable.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("MYCELIAL_STORE"); v != "" {
		cfg.Storage.Kind = v
	}
	if v := os.Getenv("MYCELIAL_STORE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MYCELIAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if err := envFloat("MYCELIAL_STRENGTH_FLOOR", &cfg.Strength.Floor); err != nil {
		return err
	}
	if err := envFloat("MYCELIAL_STRENGTH_INCREMENT", &cfg.Strength.Increment); err != nil {
		return err
	}
	if v := os.Getenv("MYCELIAL_ANALYZERS_PER_ROUND"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MYCELIAL_ANALYZERS_PER_ROUND: %w", err)
		}
		cfg.Analysis.AnalyzersPerRound = i
	}
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = f
	return nil
}
