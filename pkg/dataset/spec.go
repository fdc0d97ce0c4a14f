package dataset

import (
	"fmt"
	"time"
)

// Mode is the access mode a dataset is admitted under.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadWrite
)

// AccelerationEngineMode selects whether the local accelerator lives in
// memory or is backed by a file on disk.
type AccelerationEngineMode int

const (
	AccelerationMemory AccelerationEngineMode = iota
	AccelerationFile
)

// RefreshMode selects how a dataset's accelerator is kept in sync with
// its federated source.
type RefreshMode int

const (
	RefreshFull RefreshMode = iota
	RefreshAppend
	RefreshChanges
)

func (m RefreshMode) String() string {
	switch m {
	case RefreshFull:
		return "full"
	case RefreshAppend:
		return "append"
	case RefreshChanges:
		return "changes"
	default:
		return "unknown"
	}
}

// ReadyState controls when a dataset is announced as queryable.
type ReadyState int

const (
	// ReadyOnLoad withholds the dataset from queriers until its first
	// refresh completes successfully.
	ReadyOnLoad ReadyState = iota
	// ReadyOnRegistration installs a proxy immediately; reads before
	// initial load fall through to the federated source.
	ReadyOnRegistration
)

// Acceleration is the full acceleration policy for one dataset, parsed
// straight off the manifest's acceleration block.
type Acceleration struct {
	Enabled bool
	Engine  string
	Mode    AccelerationEngineMode

	RefreshMode  RefreshMode
	RefreshCheckInterval time.Duration
	RefreshDataWindow    *time.Duration
	RefreshSQL           *string

	RefreshRetryEnabled     bool
	RefreshRetryMaxAttempts int

	RefreshJitterEnabled bool
	RefreshJitterMax     time.Duration

	RetentionCheckInterval *time.Duration
	RetentionPeriod        *time.Duration

	AppendOverlap time.Duration

	PrimaryKey []string
	Indexes    [][]string

	EngineParams map[string]string
}

// Spec is the immutable, validated description of one dataset. It is
// replaced atomically on reconfiguration - never mutated in place.
type Spec struct {
	Name Name
	From string

	Mode   Mode
	Params map[string]string

	Acceleration *Acceleration

	TimeColumn          string
	TimeFormat          TimeFormat
	TimePartitionColumn string
	TimePartitionFormat TimeFormat

	ReadyState ReadyState

	// SynchronizeWith, if set, names another dataset whose refreshes
	// this one should follow after its own initial load completes.
	SynchronizeWith *Name

	// DependsOn names other datasets (e.g. views) that must be loaded
	// before this one.
	DependsOn []Name
}

// ParsedFrom returns the parsed source/path pair for this spec's From field.
func (s Spec) ParsedFrom() From {
	return ParseFrom(s.From)
}

// Validate admits a spec's acceleration requirements: Append and
// Changes refresh modes need a time_column, and file acceleration needs
// an engine. Name grammar is checked by ParseName and the from string is
// not checked here. It does not touch the federated schema - see
// ValidateTimeFormat for the schema-dependent check run at first refresh.
func (s Spec) Validate() error {
	if s.Acceleration != nil && s.Acceleration.Enabled {
		acc := s.Acceleration
		if acc.RefreshMode == RefreshAppend || acc.RefreshMode == RefreshChanges {
			if s.TimeColumn == "" {
				return fmt.Errorf("dataset %s: %s refresh mode requires a time_column", s.Name, acc.RefreshMode)
			}
		}
		if acc.Mode == AccelerationFile && acc.Engine == "" {
			return fmt.Errorf("dataset %s: file acceleration requires an engine", s.Name)
		}
	}
	return nil
}
