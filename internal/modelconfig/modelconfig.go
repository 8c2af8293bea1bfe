// Package modelconfig models the versioned embedding/reranker model record
// spec.md §6 describes. It only parses and migrates the record in memory;
// downloading model weights, interactive model selection, and writing the
// record back to disk remain an external collaborator's job.
package modelconfig

import (
	"gopkg.in/yaml.v3"

	"github.com/hybridkb/hybridkb/internal/embed"
	"github.com/hybridkb/hybridkb/internal/errorsx"
)

// CurrentVersion is the config schema version this package writes and
// prefers when migrating an older record.
const CurrentVersion = 2

// EmbeddingModel names the model the engine's configured Embedder wraps,
// along with the dimensionality the Vector Index must be built for.
type EmbeddingModel struct {
	ID            string `yaml:"id"`
	DisplayName   string `yaml:"display_name"`
	RemoteRepoID  string `yaml:"remote_repo_id"`
	Dimensions    int    `yaml:"dimensions"`
	ApproxSizeMB  int    `yaml:"approx_size_mb"`
}

// RerankerModel names the model a cross-encoder Reranker implementation
// would load. It carries no Dimensions field since rerankers score pairs
// rather than embed text.
type RerankerModel struct {
	ID           string `yaml:"id"`
	DisplayName  string `yaml:"display_name"`
	RemoteRepoID string `yaml:"remote_repo_id"`
	ApproxSizeMB int    `yaml:"approx_size_mb"`
}

// Config is the versioned, named-record model configuration (schema v2).
type Config struct {
	Version        int            `yaml:"version"`
	EmbeddingModel EmbeddingModel `yaml:"embedding_model"`
	RerankerModel  RerankerModel  `yaml:"reranker_model,omitempty"`
	Device         string         `yaml:"device"`
}

// v1Config is the legacy schema: a bare model-name enum string plus
// device, with no dimensions or reranker recorded at all.
type v1Config struct {
	Version int    `yaml:"version"`
	Model   string `yaml:"model"`
	Device  string `yaml:"device"`
}

// staticModel is the name v1's plain-string enum used for the hash-based
// stand-in embedder; migrating it maps straight onto StaticEmbedder.
const staticModel = "static"

// Dimensions returns the Vector Index dimensionality this config implies.
// The Coordinator does not read it; cmd/hybridkb sizes the Vector Index
// from the Embedder's own Dimensions().
func (c Config) Dimensions() int {
	if c.EmbeddingModel.Dimensions > 0 {
		return c.EmbeddingModel.Dimensions
	}
	return embed.DefaultDimensions
}

// Parse decodes a YAML config record, migrating a v1 (plain enum) record
// forward to the current v2 (named-record) shape when needed.
func Parse(data []byte) (Config, error) {
	var probe struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return Config{}, errorsx.InvalidInputf("MC_PARSE", "invalid model config yaml: %v", err)
	}

	switch probe.Version {
	case 0, 1:
		var v1 v1Config
		if err := yaml.Unmarshal(data, &v1); err != nil {
			return Config{}, errorsx.InvalidInputf("MC_PARSE_V1", "invalid v1 model config: %v", err)
		}
		return migrateV1(v1), nil
	case CurrentVersion:
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errorsx.InvalidInputf("MC_PARSE_V2", "invalid v2 model config: %v", err)
		}
		return cfg, nil
	default:
		return Config{}, errorsx.InvalidInputf("MC_VERSION", "unsupported model config version %d", probe.Version)
	}
}

// migrateV1 promotes a v1 plain-enum record to the v2 named-record shape.
// Only the "static" model name is resolvable without a model catalog
// (which is an external collaborator's responsibility); any other v1
// model name migrates with its dimensions left at the package default,
// for the Coordinator to override once a real catalog is wired in.
func migrateV1(v1 v1Config) Config {
	cfg := Config{
		Version: CurrentVersion,
		Device:  v1.Device,
		EmbeddingModel: EmbeddingModel{
			ID:          v1.Model,
			DisplayName: v1.Model,
		},
	}
	if v1.Model == staticModel || v1.Model == "" {
		cfg.EmbeddingModel.Dimensions = embed.StaticDimensions
	} else {
		cfg.EmbeddingModel.Dimensions = embed.DefaultDimensions
	}
	return cfg
}

// Default returns the config used when no record is supplied at all: the
// deterministic static embedder, CPU device, no reranker attached.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Device:  "cpu",
		EmbeddingModel: EmbeddingModel{
			ID:          staticModel,
			DisplayName: "Static (hash-based)",
			Dimensions:  embed.StaticDimensions,
		},
	}
}
