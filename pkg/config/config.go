// Package config loads and validates Melchi configuration.
//
// The project file is YAML. Scalar values of the form ${ENV_VAR} are
// replaced from the environment at load time; a missing variable is a
// fatal configuration error. The replicated table list lives in a separate
// CSV file referenced by tables_config.path.
//
// Example:
//
//	source:
//	  type: snowflake
//	  account: ${SNOWFLAKE_ACCOUNT}
//	  user: ${SNOWFLAKE_USER}
//	  password: ${SNOWFLAKE_PASSWORD}
//	  role: MELCHI_ROLE
//	  warehouse: MELCHI_WH
//	  change_tracking_database: melchi
//	  change_tracking_schema: streams
//	target:
//	  type: sqlite
//	  database: ./melchi.db
//	  change_tracking_schema: melchi
//	tables_config:
//	  path: tables_to_transfer.csv
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryanwith/melchi/pkg/errors"
)

// SourceConfig holds source warehouse connection parameters.
type SourceConfig struct {
	Type     string `yaml:"type"`
	Account  string `yaml:"account"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Authenticator selects the authentication flow: "snowflake"
	// (password, the default) or "externalbrowser".
	Authenticator string `yaml:"authenticator"`
	Role          string `yaml:"role"`
	Warehouse     string `yaml:"warehouse"`
	// ConnectionFilePath optionally points at a TOML connection profile
	// file; values from the named profile (or "default") are merged in.
	ConnectionFilePath    string `yaml:"connection_file_path"`
	ConnectionProfileName string `yaml:"connection_profile_name"`
	// ChangeTrackingDatabase and ChangeTrackingSchema name the location
	// where streams and processing tables are created.
	ChangeTrackingDatabase string `yaml:"change_tracking_database"`
	ChangeTrackingSchema   string `yaml:"change_tracking_schema"`
}

// TargetConfig holds target warehouse connection parameters.
type TargetConfig struct {
	Type string `yaml:"type"`
	// Database is the database path (sqlite) or DSN (postgres).
	Database string `yaml:"database"`
	// ChangeTrackingSchema names the schema holding Melchi's sync
	// metadata tables on the target.
	ChangeTrackingSchema string `yaml:"change_tracking_schema"`
}

// TablesConfig points at the CSV table list.
type TablesConfig struct {
	Path string `yaml:"path"`
}

// PerformanceConfig controls chunking and concurrency.
type PerformanceConfig struct {
	// ChunkRows bounds how many rows or change records are materialized
	// in memory at once during capture and apply.
	ChunkRows int `yaml:"chunk_rows"`
	// TableConcurrency bounds how many tables sync in parallel. Each
	// worker holds one source and one target connection.
	TableConcurrency int `yaml:"table_concurrency"`
}

// ReliabilityConfig controls retry behavior for transient target write
// failures.
type ReliabilityConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
}

// ObservabilityConfig controls logging and metrics.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level"`
	Development   bool   `yaml:"development"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// Config is the resolved Melchi configuration.
type Config struct {
	Source        SourceConfig        `yaml:"source"`
	Target        TargetConfig        `yaml:"target"`
	TablesConfig  TablesConfig        `yaml:"tables_config"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Reliability   ReliabilityConfig   `yaml:"reliability"`
	Observability ObservabilityConfig `yaml:"observability"`
	// ReplaceExisting drops and recreates all target tables, source
	// change tracking objects, and metadata during setup.
	ReplaceExisting bool `yaml:"replace_existing"`
}

// Load reads, expands, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot read config file")
	}
	return Parse(data)
}

// Parse loads configuration from raw YAML.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot parse config file")
	}

	if err := expandEnv(&root); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := root.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot decode config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Performance: PerformanceConfig{
			ChunkRows:        50000,
			TableConcurrency: 4,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EnableMetrics: true,
		},
	}
}

// expandEnv walks the YAML tree replacing scalar values of the exact form
// ${VAR} with the environment value. Only whole-value references are
// expanded, matching the original behavior.
func expandEnv(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v := node.Value
		if len(v) > 3 && v[:2] == "${" && v[len(v)-1] == '}' {
			name := v[2 : len(v)-1]
			replaced, ok := os.LookupEnv(name)
			if !ok {
				return errors.Newf(errors.ErrorTypeConfiguration, "environment variable %s is not set", name)
			}
			node.Value = replaced
			node.Tag = "!!str"
		}
		return nil
	}
	for _, child := range node.Content {
		if err := expandEnv(child); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for fatal errors before any engine
// work begins.
func (c *Config) Validate() error {
	if c.Source.Type == "" {
		return errors.New(errors.ErrorTypeConfiguration, "source.type is required")
	}
	if c.Source.Type != "snowflake" {
		return errors.Newf(errors.ErrorTypeConfiguration, "%q is not a supported source type", c.Source.Type)
	}
	switch c.Target.Type {
	case "sqlite", "postgres":
	case "":
		return errors.New(errors.ErrorTypeConfiguration, "target.type is required")
	case "snowflake":
		return errors.New(errors.ErrorTypeConfiguration, "snowflake is not yet supported as a target")
	default:
		return errors.Newf(errors.ErrorTypeConfiguration, "%q is not a supported target type", c.Target.Type)
	}
	if c.Target.Database == "" {
		return errors.New(errors.ErrorTypeConfiguration, "target.database is required")
	}
	if c.Target.ChangeTrackingSchema == "" {
		return errors.New(errors.ErrorTypeConfiguration, "target.change_tracking_schema is required")
	}
	if c.Source.ChangeTrackingDatabase == "" || c.Source.ChangeTrackingSchema == "" {
		return errors.New(errors.ErrorTypeConfiguration,
			"source.change_tracking_database and source.change_tracking_schema are required")
	}
	if c.TablesConfig.Path == "" {
		return errors.New(errors.ErrorTypeConfiguration, "tables_config.path is required")
	}
	if c.Performance.ChunkRows <= 0 {
		return errors.New(errors.ErrorTypeConfiguration, "performance.chunk_rows must be positive")
	}
	if c.Performance.TableConcurrency <= 0 {
		return errors.New(errors.ErrorTypeConfiguration, "performance.table_concurrency must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return errors.New(errors.ErrorTypeConfiguration, "reliability.retry_attempts cannot be negative")
	}
	return nil
}
