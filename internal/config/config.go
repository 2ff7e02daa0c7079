// Package config loads the YAML-backed configuration §6 treats as an
// external collaborator ("Environment variables and CLI: deliberately
// out of scope; treat as an external collaborator that configures
// MctsOption and constructs the above components"). Grounded on
// _examples/niceyeti-tabular/tabular/reinforcement/learning.go's
// FromYaml (viper for file discovery, gopkg.in/yaml.v3 for the actual
// unmarshal), which the teacher itself has no precedent for (its
// cmd/train/main.go hardcodes every parameter).
package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MCTSConfig mirrors mcts.Params/Budget in a YAML-friendly shape.
type MCTSConfig struct {
	PUCT                     float64       `yaml:"puct"`
	VirtualLoss              uint32        `yaml:"virtual_loss"`
	NumRolloutPerThread      int           `yaml:"num_rollout_per_thread"`
	TotalTime                time.Duration `yaml:"total_time"`
	TimeRatio                float64       `yaml:"time_ratio"`
	UseValuePrior            bool          `yaml:"use_value_prior"`
	StoreStateInNode         bool          `yaml:"store_state_in_node"`
	StoreStateInterval       int           `yaml:"store_state_interval"`
	RandomizedRollouts       bool          `yaml:"randomized_rollouts"`
	SamplingMCTS             bool          `yaml:"sampling_mcts"`
	ForcedRolloutsMultiplier float64       `yaml:"forced_rollouts_multiplier"`
	MoveSelectUseMCTSValue   bool          `yaml:"move_select_use_mcts_value"`
	MoveSelectMinVisits      uint32        `yaml:"move_select_min_visits"`
	SampleBeforeStepIdx      int           `yaml:"sample_before_step_idx"`
}

// OrchestratorConfig mirrors orchestrator.Config.
type OrchestratorConfig struct {
	NumGames               int  `yaml:"num_games"`
	EpisodeBudget          int  `yaml:"episode_budget"`
	ResignThresholdBatched int  `yaml:"resign_threshold_batched"`
	ResignThresholdSingle  int  `yaml:"resign_threshold_single"`
	Batched                bool `yaml:"batched"`
	Eval                   bool `yaml:"eval"`
}

// ModelConfig covers the local/distributed evaluator wiring.
type ModelConfig struct {
	ArenaCapacity      int    `yaml:"arena_capacity"`
	ReplayCapacity     int    `yaml:"replay_capacity"`
	ReplayWorkers      int    `yaml:"replay_workers"`
	StateDictCacheSize int    `yaml:"state_dict_cache_size"`
	RegistryEndpoint   string `yaml:"registry_endpoint"` // empty = local-only
}

// Config is the top-level document a selfplay binary loads.
type Config struct {
	MCTS         MCTSConfig         `yaml:"mcts"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Model        ModelConfig        `yaml:"model"`
}

// Default returns a Config with reasonable defaults for local,
// single-process self-play.
func Default() Config {
	return Config{
		MCTS: MCTSConfig{
			PUCT:                     1.5,
			VirtualLoss:              3,
			NumRolloutPerThread:      8,
			TimeRatio:                0.05,
			UseValuePrior:            true,
			StoreStateInNode:         true,
			StoreStateInterval:       4,
			ForcedRolloutsMultiplier: 2,
			MoveSelectMinVisits:      1,
		},
		Orchestrator: OrchestratorConfig{
			NumGames:               16,
			ResignThresholdBatched: 7,
			ResignThresholdSingle:  2,
			Batched:                true,
		},
		Model: ModelConfig{
			ArenaCapacity:      1 << 20,
			ReplayCapacity:     1 << 16,
			ReplayWorkers:      8,
			StateDictCacheSize: 8,
		},
	}
}

// FromYAML loads a Config from path, layering it over Default() for any
// field the file leaves unset. Grounded directly on the teacher pack's
// viper-discovers-the-file / yaml.v3-unmarshals-the-document split.
func FromYAML(path string) (Config, error) {
	cfg := Default()

	vp := viper.New()
	vp.SetConfigFile(filepath.Base(path))
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	if err := vp.ReadInConfig(); err != nil {
		return cfg, errors.Wrap(err, "config.FromYAML: read")
	}

	raw, err := yaml.Marshal(vp.AllSettings())
	if err != nil {
		return cfg, errors.Wrap(err, "config.FromYAML: remarshal")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config.FromYAML: unmarshal")
	}
	return cfg, nil
}
