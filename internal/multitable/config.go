package multitable

// This file defines the pipeline configuration of a conversion run. It can be
// loaded from a YAML (or JSON) file and is then overridden by command-line
// flags in cmd/statev_sql.

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"statevsql/internal/schema"
	"statevsql/internal/storage"
	"statevsql/internal/trace"
)

const (
	defaultJob       = "statev_sql"
	defaultKind      = "sqlite"
	defaultBatchSize = 1024
)

type Pipeline struct {
	Job    string   `json:"job" yaml:"job"`
	Inputs []string `json:"inputs" yaml:"inputs"`

	// Filter is a regular expression matched against the start of every
	// event key. Empty accepts all keys.
	Filter string `json:"filter" yaml:"filter"`

	// Encoding is the IANA charset of the input files; empty means UTF-8.
	Encoding string `json:"encoding" yaml:"encoding"`

	Storage Storage        `json:"storage" yaml:"storage"`
	Runtime RuntimeConfig  `json:"runtime" yaml:"runtime"`
	S3      trace.S3Config `json:"s3" yaml:"s3"`
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type Storage struct {
	// Backend kind: "sqlite" | "postgres" | "mssql" | "duckdb"
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`

	// Prefix is prepended to both table names ("<prefix>ctx", "<prefix>ev").
	Prefix string `json:"prefix" yaml:"prefix"`

	// Update keeps existing tables and appends to them.
	Update bool `json:"update" yaml:"update"`

	Conn storage.ConnParams `json:"conn" yaml:"conn"`
}

// RuntimeConfig controls execution behavior.
type RuntimeConfig struct {
	// BatchSize is the number of event rows handed to the sink at once.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Verbose logs the discovered schemas and stage messages.
	Verbose bool `json:"verbose" yaml:"verbose"`

	// Progress logs processed/total event lines at every tenth. Verbose
	// implies it.
	Progress bool `json:"progress" yaml:"progress"`
}

type MetricsConfig struct {
	// Backend: "none" | "pushgateway" | "datadog"
	Backend        string   `json:"backend" yaml:"backend"`
	PushgatewayURL string   `json:"pushgateway_url" yaml:"pushgateway_url"`
	Tags           []string `json:"tags" yaml:"tags"`
}

// LoadPipeline reads a pipeline file. JSON is accepted as well since it is a
// subset of YAML.
func LoadPipeline(path string) (Pipeline, error) {
	var cfg Pipeline
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (p *Pipeline) ApplyDefaults() {
	if p.Job == "" {
		p.Job = defaultJob
	}
	if p.Storage.Kind == "" {
		p.Storage.Kind = defaultKind
	}
	if p.Runtime.BatchSize <= 0 {
		p.Runtime.BatchSize = defaultBatchSize
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
}

// Validate reports configuration errors that must stop the run before any
// input is read.
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.Storage.Kind) == "" {
		return fmt.Errorf("storage.kind must be set")
	}
	if p.Runtime.BatchSize < 0 {
		return fmt.Errorf("runtime.batch_size must not be negative")
	}
	if strings.ContainsAny(p.Storage.Prefix, " \t\r\n\"'`;[]") {
		return fmt.Errorf("storage.prefix %q contains characters not allowed in table names", p.Storage.Prefix)
	}
	if _, err := schema.CompileFilter(p.Filter); err != nil {
		return err
	}
	switch p.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if strings.TrimSpace(p.Metrics.PushgatewayURL) == "" {
			return fmt.Errorf("metrics.pushgateway_url must be set for the pushgateway backend")
		}
	default:
		return fmt.Errorf("unsupported metrics.backend=%s (we offer: none, pushgateway, datadog)", p.Metrics.Backend)
	}
	return nil
}

// ContextTable and EventTable are the names of the two output tables.
func (p Pipeline) ContextTable() string { return p.Storage.Prefix + "ctx" }
func (p Pipeline) EventTable() string   { return p.Storage.Prefix + "ev" }

func (p Pipeline) progress() bool { return p.Runtime.Verbose || p.Runtime.Progress }
