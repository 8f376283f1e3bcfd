// Package config loads the TOML training/monitoring configuration
// tree: dataset and target selection, feature-group overrides,
// training hyperparameters, and the monitor service.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the full on-disk configuration tree: dataset/target
// selection, feature-group overrides, and training hyperparameters.
type Config struct {
	Dataset  Dataset  `toml:"dataset"`
	Features Features `toml:"features"`
	Train    Train    `toml:"train"`
	Monitor  Monitor  `toml:"monitor"`
}

// Dataset names the training CSV and target column.
type Dataset struct {
	Path           string   `toml:"path"`
	TargetColumn   string   `toml:"target_column"`
	ExcludeColumns []string `toml:"exclude_columns"`
}

// Features configures auto feature-group selection plus any explicit
// per-column overrides.
type Features struct {
	Auto    AutoFeatures   `toml:"auto"`
	Include []FeatureGroup `toml:"include"`
}

// AutoFeatures holds the automatic feature-group selection flag.
// tangram-train does not read Enable: it always runs automatic
// selection and appends any Include groups after it.
type AutoFeatures struct {
	Enable bool `toml:"enable"`
}

// FeatureGroup is one explicit feature-group request, keyed by Kind
// ("identity", "normalized", "one_hot_encoded", "bag_of_words",
// "bag_of_words_cosine_similarity").
type FeatureGroup struct {
	Kind          string `toml:"kind"`
	SourceColumn  string `toml:"source_column"`
	SourceColumnB string `toml:"source_column_b"`
	Strategy      string `toml:"strategy"`
}

// Train configures tree-growth hyperparameters and the optional
// autogrid hyperparameter sweep.
type Train struct {
	Task                  string   `toml:"task"`
	MaxRounds             int      `toml:"max_rounds"`
	MaxLeafNodes          int      `toml:"max_leaf_nodes"`
	MaxDepth              int      `toml:"max_depth"`
	MinExamplesPerNode    int      `toml:"min_examples_per_node"`
	LearningRate          float32  `toml:"learning_rate"`
	EarlyStoppingFraction float32  `toml:"early_stopping_fraction"`
	ComputeLosses         bool     `toml:"compute_losses"`
	Autogrid              Autogrid `toml:"autogrid"`
}

// Autogrid sweeps a small grid of learning rates / max leaf node
// counts and keeps the model with the best final loss.
type Autogrid struct {
	Enable        bool      `toml:"enable"`
	LearningRates []float32 `toml:"learning_rates"`
	MaxLeafNodes  []int     `toml:"max_leaf_nodes"`
}

// Monitor configures the production monitoring service.
type Monitor struct {
	DatabaseURL string         `toml:"database_url"`
	ListenAddr  string         `toml:"listen_addr"` // operational /metrics endpoint
	Models      []MonitorModel `toml:"models"`
	Alerts      []Alert        `toml:"alerts"`
}

// MonitorModel names one model file the service watches and its
// production bucketing cadence.
type MonitorModel struct {
	Path    string `toml:"path"`
	Cadence string `toml:"cadence"` // testing | hourly | daily | weekly | monthly
}

// Alert is one scheduled drift/quality check seeded into the monitor
// store at startup.
type Alert struct {
	Title   string   `toml:"title"`
	Model   string   `toml:"model"` // model file path, resolved to its embedded id
	Cadence string   `toml:"cadence"`
	Metric  string   `toml:"metric"`
	Mode    string   `toml:"mode"` // absolute | percentage
	Lower   *float64 `toml:"lower"`
	Upper   *float64 `toml:"upper"`
	Methods []string `toml:"methods"` // stdout | webhook:<url>; other strings (email:<addr> included) are skipped by the store
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse toml")
	}
	return &cfg, nil
}

// Default returns a Config with the same tree hyperparameter defaults
// as tree.DefaultOptions. Load does not start from it: fields missing
// from the file keep their zero values.
func Default() Config {
	return Config{
		Features: Features{Auto: AutoFeatures{Enable: true}},
		Train: Train{
			Task:                  "regression",
			MaxRounds:             100,
			MaxLeafNodes:          31,
			MaxDepth:              -1,
			MinExamplesPerNode:    20,
			LearningRate:          0.1,
			EarlyStoppingFraction: 0.1,
			ComputeLosses:         true,
		},
	}
}
