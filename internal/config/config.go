package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	SearchBackendEnabled bool   `envconfig:"SEARCH_BACKEND_ENABLED" default:"true"`
	SearchIndexPath      string `envconfig:"SEARCH_INDEX_PATH" default:"storyline-index.db"`
	SearchTimeoutMS      int    `envconfig:"SEARCH_TIMEOUT_MS" default:"2000"`

	EmbeddingEndpoint   string `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8000"`
	EmbeddingTimeoutMS  int    `envconfig:"EMBEDDING_TIMEOUT_MS" default:"15000"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS" default:"768"`

	// Embedded so their envconfig keys are not prefixed.
	Clustering
	Index

	ClusterTuningFile  string `envconfig:"CLUSTER_TUNING_FILE" default:""`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

// Clustering holds the story assignment and maintenance thresholds.
type Clustering struct {
	AssignmentSimilarityThreshold float64 `envconfig:"CLUSTER_ASSIGNMENT_SIMILARITY_THRESHOLD" default:"0.82" yaml:"assignment_similarity_threshold"`
	MergeSimilarityThreshold      float64 `envconfig:"CLUSTER_MERGE_SIMILARITY_THRESHOLD" default:"0.90" yaml:"merge_similarity_threshold"`
	MinClusterSizeForSplit        int     `envconfig:"CLUSTER_MIN_SIZE_FOR_SPLIT" default:"6" yaml:"min_cluster_size_for_split"`
	SplitCohesionThreshold        float64 `envconfig:"CLUSTER_SPLIT_COHESION_THRESHOLD" default:"0.85" yaml:"split_cohesion_threshold"`
	WindowHours                   int     `envconfig:"CLUSTER_WINDOW_HOURS" default:"48" yaml:"window_hours"`
	ReclusterIntervalMS           int     `envconfig:"CLUSTER_RECLUSTER_INTERVAL_MS" default:"600000" yaml:"recluster_interval_ms"`
	MergeOverlapHours             int     `envconfig:"CLUSTER_MERGE_OVERLAP_HOURS" default:"24" yaml:"merge_overlap_hours"`
	AssignCandidates              int     `envconfig:"CLUSTER_ASSIGN_CANDIDATES" default:"10" yaml:"assign_candidates"`
	TitleSignalWeight             float64 `envconfig:"CLUSTER_TITLE_SIGNAL_WEIGHT" default:"0" yaml:"title_signal_weight"`
}

// Index holds the bulk index queue limits.
type Index struct {
	MaxBatchSize    int `envconfig:"INDEX_MAX_BATCH_SIZE" default:"500"`
	MaxBatchDelayMS int `envconfig:"INDEX_MAX_BATCH_DELAY_MS" default:"5000"`
	MaxRetries      int `envconfig:"INDEX_MAX_RETRIES" default:"3"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.ClusterTuningFile); path != "" {
		if err := cfg.applyTuningFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyTuningFile overlays clustering thresholds from a YAML document.
// Keys absent from the file keep their environment values.
func (c *Config) applyTuningFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CLUSTER_TUNING_FILE=%q: %w", path, err)
	}
	var doc struct {
		Clustering *Clustering `yaml:"clustering"`
	}
	doc.Clustering = &c.Clustering
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse CLUSTER_TUNING_FILE=%q: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SearchBackendEnabled && strings.TrimSpace(c.SearchIndexPath) == "" {
		return fmt.Errorf("SEARCH_INDEX_PATH is required when SEARCH_BACKEND_ENABLED=true")
	}
	if c.SearchTimeoutMS < 1 {
		return fmt.Errorf("SEARCH_TIMEOUT_MS must be >= 1")
	}
	if c.EmbeddingTimeoutMS < 1 {
		return fmt.Errorf("EMBEDDING_TIMEOUT_MS must be >= 1")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	if err := c.Clustering.Validate(); err != nil {
		return err
	}
	return c.Index.Validate()
}

func (c Clustering) Validate() error {
	if c.AssignmentSimilarityThreshold < -1 || c.AssignmentSimilarityThreshold > 1 {
		return fmt.Errorf("CLUSTER_ASSIGNMENT_SIMILARITY_THRESHOLD must be within [-1, 1]")
	}
	if c.MergeSimilarityThreshold < -1 || c.MergeSimilarityThreshold > 1 {
		return fmt.Errorf("CLUSTER_MERGE_SIMILARITY_THRESHOLD must be within [-1, 1]")
	}
	if c.MinClusterSizeForSplit < 2 {
		return fmt.Errorf("CLUSTER_MIN_SIZE_FOR_SPLIT must be >= 2")
	}
	if c.SplitCohesionThreshold < -1 || c.SplitCohesionThreshold > 1 {
		return fmt.Errorf("CLUSTER_SPLIT_COHESION_THRESHOLD must be within [-1, 1]")
	}
	if c.WindowHours < 1 {
		return fmt.Errorf("CLUSTER_WINDOW_HOURS must be >= 1")
	}
	if c.ReclusterIntervalMS < 1000 {
		return fmt.Errorf("CLUSTER_RECLUSTER_INTERVAL_MS must be >= 1000")
	}
	if c.MergeOverlapHours < 0 {
		return fmt.Errorf("CLUSTER_MERGE_OVERLAP_HOURS must be >= 0")
	}
	if c.AssignCandidates < 1 {
		return fmt.Errorf("CLUSTER_ASSIGN_CANDIDATES must be >= 1")
	}
	if c.TitleSignalWeight < 0 || c.TitleSignalWeight > 1 {
		return fmt.Errorf("CLUSTER_TITLE_SIGNAL_WEIGHT must be within [0, 1]")
	}
	return nil
}

func (i Index) Validate() error {
	if i.MaxBatchSize < 1 {
		return fmt.Errorf("INDEX_MAX_BATCH_SIZE must be >= 1")
	}
	if i.MaxBatchDelayMS < 1 {
		return fmt.Errorf("INDEX_MAX_BATCH_DELAY_MS must be >= 1")
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("INDEX_MAX_RETRIES must be >= 0")
	}
	return nil
}

func (c Clustering) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func (c Clustering) ReclusterInterval() time.Duration {
	return time.Duration(c.ReclusterIntervalMS) * time.Millisecond
}

func (c Clustering) MergeOverlap() time.Duration {
	return time.Duration(c.MergeOverlapHours) * time.Hour
}

func (i Index) MaxBatchDelay() time.Duration {
	return time.Duration(i.MaxBatchDelayMS) * time.Millisecond
}

func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutMS) * time.Millisecond
}

func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutMS) * time.Millisecond
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
