package refresh

import (
	"sync"
	"time"

	"github.com/block/accelerant/pkg/dataset"
)

// Policy is the mutable, reader-writer-locked working copy of a
// dataset's refresh configuration. Readers take the lock for one value
// extraction and release it before any await point.
type Policy struct {
	mu sync.RWMutex

	mode          dataset.RefreshMode
	sql           *string
	timeColumn    string
	timeFormat    dataset.TimeFormat
	checkInterval time.Duration
	maxJitter     time.Duration
	jitterEnabled bool
	retryEnabled  bool
	retryMax      int
	appendOverlap time.Duration
	dataWindow    *time.Duration
}

// NewPolicy builds a Policy from a dataset's admitted acceleration
// block.
func NewPolicy(spec dataset.Spec) *Policy {
	acc := spec.Acceleration
	p := &Policy{
		mode:          acc.RefreshMode,
		timeColumn:    spec.TimeColumn,
		timeFormat:    spec.TimeFormat,
		checkInterval: acc.RefreshCheckInterval,
		jitterEnabled: acc.RefreshJitterEnabled,
		maxJitter:     acc.RefreshJitterMax,
		retryEnabled:  acc.RefreshRetryEnabled,
		retryMax:      acc.RefreshRetryMaxAttempts,
		appendOverlap: acc.AppendOverlap,
		dataWindow:    acc.RefreshDataWindow,
		sql:           acc.RefreshSQL,
	}
	return p
}

// Snapshot is an immutable extraction of the fields a single refresh
// invocation needs, taken under a read lock and released before any
// suspension point.
type Snapshot struct {
	Mode          dataset.RefreshMode
	SQL           *string
	TimeColumn    string
	TimeFormat    dataset.TimeFormat
	CheckInterval time.Duration
	MaxJitter     time.Duration
	JitterEnabled bool
	RetryEnabled  bool
	RetryMax      int
	AppendOverlap time.Duration
	DataWindow    *time.Duration
}

// Snapshot extracts a consistent copy of the policy under a read lock.
func (p *Policy) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Mode:          p.mode,
		SQL:           p.sql,
		TimeColumn:    p.timeColumn,
		TimeFormat:    p.timeFormat,
		CheckInterval: p.checkInterval,
		MaxJitter:     p.maxJitter,
		JitterEnabled: p.jitterEnabled,
		RetryEnabled:  p.retryEnabled,
		RetryMax:      p.retryMax,
		AppendOverlap: p.appendOverlap,
		DataWindow:    p.dataWindow,
	}
}

// Update replaces the policy's fields under a writer lock, used by
// external reconfiguration paths.
func (p *Policy) Update(f func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		Mode: p.mode, SQL: p.sql, TimeColumn: p.timeColumn, TimeFormat: p.timeFormat,
		CheckInterval: p.checkInterval, MaxJitter: p.maxJitter, JitterEnabled: p.jitterEnabled,
		RetryEnabled: p.retryEnabled, RetryMax: p.retryMax, AppendOverlap: p.appendOverlap,
		DataWindow: p.dataWindow,
	}
	f(&s)
	p.mode, p.sql, p.timeColumn, p.timeFormat = s.Mode, s.SQL, s.TimeColumn, s.TimeFormat
	p.checkInterval, p.maxJitter, p.jitterEnabled = s.CheckInterval, s.MaxJitter, s.JitterEnabled
	p.retryEnabled, p.retryMax, p.appendOverlap, p.dataWindow = s.RetryEnabled, s.RetryMax, s.AppendOverlap, s.DataWindow
}

// Overrides is a per-invocation override of a subset of policy fields.
// It never mutates the shared Policy.
type Overrides struct {
	SQL       *string
	Mode      *dataset.RefreshMode
	MaxJitter *time.Duration
}

// Apply merges non-nil override fields onto a snapshot, returning a new
// snapshot; the original is left untouched.
func (o *Overrides) Apply(s Snapshot) Snapshot {
	if o == nil {
		return s
	}
	if o.SQL != nil {
		s.SQL = o.SQL
	}
	if o.Mode != nil {
		s.Mode = *o.Mode
	}
	if o.MaxJitter != nil {
		s.MaxJitter = *o.MaxJitter
	}
	return s
}
