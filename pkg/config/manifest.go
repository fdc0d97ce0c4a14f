// Package config parses a YAML dataset manifest into []dataset.Spec,
// Spicepod-style: a small, typed, validated config surface parsed once
// at startup, via gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/block/accelerant/pkg/dataset"
)

// Manifest is the top-level YAML document: a list of dataset entries.
type Manifest struct {
	Datasets []DatasetEntry `yaml:"datasets"`
}

// DatasetEntry is one manifest dataset, using YAML-friendly scalar
// types (plain strings/durations) that Parse admits into a validated
// dataset.Spec.
type DatasetEntry struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`

	Mode   string            `yaml:"mode"`
	Params map[string]string `yaml:"params"`

	TimeColumn          string `yaml:"time_column"`
	TimeFormat          string `yaml:"time_format"`
	TimePartitionColumn string `yaml:"time_partition_column"`
	TimePartitionFormat string `yaml:"time_partition_format"`

	ReadyState string `yaml:"ready_state"`

	SynchronizeWith string   `yaml:"synchronize_with"`
	DependsOn       []string `yaml:"depends_on"`

	Acceleration *AccelerationEntry `yaml:"acceleration"`
}

// AccelerationEntry is the YAML shape of dataset.Acceleration.
type AccelerationEntry struct {
	Enabled bool   `yaml:"enabled"`
	Engine  string `yaml:"engine"`
	Mode    string `yaml:"mode"`

	RefreshMode          string        `yaml:"refresh_mode"`
	RefreshCheckInterval time.Duration `yaml:"refresh_check_interval"`
	RefreshDataWindow    *time.Duration `yaml:"refresh_data_window"`
	RefreshSQL           *string       `yaml:"refresh_sql"`

	RefreshRetryEnabled     bool `yaml:"refresh_retry_enabled"`
	RefreshRetryMaxAttempts int  `yaml:"refresh_retry_max_attempts"`

	RefreshJitterEnabled bool          `yaml:"refresh_jitter_enabled"`
	RefreshJitterMax     time.Duration `yaml:"refresh_jitter_max"`

	RetentionCheckInterval *time.Duration `yaml:"retention_check_interval"`
	RetentionPeriod        *time.Duration `yaml:"retention_period"`

	AppendOverlap time.Duration `yaml:"append_overlap"`

	PrimaryKey []string `yaml:"primary_key"`
	Indexes    [][]string `yaml:"indexes"`

	EngineParams map[string]string `yaml:"engine_params"`
}

// Load reads and parses a manifest file from disk.
func Load(path string) ([]dataset.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML manifest bytes into validated dataset.Specs.
func Parse(data []byte) ([]dataset.Spec, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("config: parse manifest: %w", err)
	}

	specs := make([]dataset.Spec, 0, len(manifest.Datasets))
	for _, entry := range manifest.Datasets {
		spec, err := entry.toSpec()
		if err != nil {
			return nil, fmt.Errorf("config: dataset %q: %w", entry.Name, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (e DatasetEntry) toSpec() (dataset.Spec, error) {
	name, err := dataset.ParseName(e.Name)
	if err != nil {
		return dataset.Spec{}, fmt.Errorf("name: %w", err)
	}

	mode := dataset.ModeRead
	if e.Mode == "read_write" {
		mode = dataset.ModeReadWrite
	}

	readyState := dataset.ReadyOnLoad
	if e.ReadyState == "on_registration" {
		readyState = dataset.ReadyOnRegistration
	}

	timeFormat, err := parseTimeFormat(e.TimeFormat)
	if err != nil {
		return dataset.Spec{}, err
	}
	timePartitionFormat, err := parseTimeFormat(e.TimePartitionFormat)
	if err != nil {
		return dataset.Spec{}, err
	}

	spec := dataset.Spec{
		Name:                name,
		From:                e.From,
		Mode:                mode,
		Params:              e.Params,
		TimeColumn:          e.TimeColumn,
		TimeFormat:          timeFormat,
		TimePartitionColumn: e.TimePartitionColumn,
		TimePartitionFormat: timePartitionFormat,
		ReadyState:          readyState,
	}

	if e.SynchronizeWith != "" {
		target, err := dataset.ParseName(e.SynchronizeWith)
		if err != nil {
			return dataset.Spec{}, fmt.Errorf("synchronize_with: %w", err)
		}
		spec.SynchronizeWith = &target
	}
	for _, raw := range e.DependsOn {
		dep, err := dataset.ParseName(raw)
		if err != nil {
			return dataset.Spec{}, fmt.Errorf("depends_on: %w", err)
		}
		spec.DependsOn = append(spec.DependsOn, dep)
	}

	if e.Acceleration != nil {
		acc, err := e.Acceleration.toAcceleration()
		if err != nil {
			return dataset.Spec{}, err
		}
		spec.Acceleration = acc
	}
	return spec, nil
}

func (a AccelerationEntry) toAcceleration() (*dataset.Acceleration, error) {
	engineMode := dataset.AccelerationMemory
	if a.Mode == "file" {
		engineMode = dataset.AccelerationFile
	}

	refreshMode, err := parseRefreshMode(a.RefreshMode)
	if err != nil {
		return nil, err
	}

	return &dataset.Acceleration{
		Enabled:                 a.Enabled,
		Engine:                  a.Engine,
		Mode:                    engineMode,
		RefreshMode:             refreshMode,
		RefreshCheckInterval:    a.RefreshCheckInterval,
		RefreshDataWindow:       a.RefreshDataWindow,
		RefreshSQL:              a.RefreshSQL,
		RefreshRetryEnabled:     a.RefreshRetryEnabled,
		RefreshRetryMaxAttempts: a.RefreshRetryMaxAttempts,
		RefreshJitterEnabled:    a.RefreshJitterEnabled,
		RefreshJitterMax:        a.RefreshJitterMax,
		RetentionCheckInterval:  a.RetentionCheckInterval,
		RetentionPeriod:         a.RetentionPeriod,
		AppendOverlap:           a.AppendOverlap,
		PrimaryKey:              a.PrimaryKey,
		Indexes:                 a.Indexes,
		EngineParams:            a.EngineParams,
	}, nil
}

func parseRefreshMode(raw string) (dataset.RefreshMode, error) {
	switch raw {
	case "", "full":
		return dataset.RefreshFull, nil
	case "append":
		return dataset.RefreshAppend, nil
	case "changes":
		return dataset.RefreshChanges, nil
	default:
		return 0, fmt.Errorf("unknown refresh_mode %q", raw)
	}
}

func parseTimeFormat(raw string) (dataset.TimeFormat, error) {
	switch raw {
	case "":
		return dataset.TimeFormatUnspecified, nil
	case "timestamp":
		return dataset.TimeFormatTimestamp, nil
	case "timestamptz":
		return dataset.TimeFormatTimestamptz, nil
	case "unix_seconds":
		return dataset.TimeFormatUnixSeconds, nil
	case "unix_millis":
		return dataset.TimeFormatUnixMillis, nil
	case "iso8601":
		return dataset.TimeFormatISO8601, nil
	case "date":
		return dataset.TimeFormatDate, nil
	default:
		return 0, fmt.Errorf("unknown time_format %q", raw)
	}
}
