// Package registry implements the Accelerated Table Registry (C9): it
// owns the map from dataset name to its running Federated/Accelerator/
// Refresher triple, guarded by sync.RWMutex, and orders a manifest's
// initial Load by dependency (depends_on plus synchronize_with).
// Replacing a dataset's running state always builds a fresh
// AcceleratedTable and swaps it in rather than mutating one in place.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/siddontang/loggers"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/cache"
	"github.com/block/accelerant/pkg/checkpoint"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
	"github.com/block/accelerant/pkg/refresher"
)

// AcceleratedTable is one dataset's running state: its lazy federated
// handle, its local accelerator table, and the Refresher driving it.
type AcceleratedTable struct {
	Name        dataset.Name
	Spec        dataset.Spec
	Federated   *federated.Table
	Accelerator accelerator.TableProvider
	Refresher   *refresher.Refresher
}

// Registry holds every admitted dataset's running state.
type Registry struct {
	logger      loggers.Advanced
	checkpoints checkpoint.Store
	invalidator cache.Invalidator

	mu     sync.RWMutex
	tables map[dataset.Name]*AcceleratedTable
}

// New constructs an empty Registry. checkpoints/invalidator may be nil
// to disable those concerns across every dataset it loads.
func New(logger loggers.Advanced, checkpoints checkpoint.Store, invalidator cache.Invalidator) *Registry {
	return &Registry{
		logger:      logger,
		checkpoints: checkpoints,
		invalidator: invalidator,
		tables:      make(map[dataset.Name]*AcceleratedTable),
	}
}

// ErrDependencyCycle names datasets whose depends_on/synchronize_with
// graph forms a cycle; none of them can be loaded.
type ErrDependencyCycle struct {
	Members []dataset.Name
}

func (e *ErrDependencyCycle) Error() string {
	return fmt.Sprintf("dependency cycle among datasets: %v", e.Members)
}

// Load admits a batch of specs (typically an entire manifest at
// startup), ordering construction so that a dataset's depends_on and
// synchronize_with targets are built before it, and starts every
// resulting Refresher.
func (reg *Registry) Load(ctx context.Context, specs []dataset.Spec) error {
	order, err := topoSort(specs)
	if err != nil {
		return err
	}

	built := make([]*AcceleratedTable, 0, len(order))
	for _, spec := range order {
		at, err := reg.build(ctx, spec)
		if err != nil {
			return fmt.Errorf("registry: building %s: %w", spec.Name, err)
		}
		built = append(built, at)
	}

	reg.mu.Lock()
	for _, at := range built {
		reg.tables[at.Name] = at
	}
	reg.mu.Unlock()

	for _, at := range built {
		if at.Spec.SynchronizeWith == nil {
			continue
		}
		target, ok := reg.lookup(*at.Spec.SynchronizeWith)
		if !ok {
			return fmt.Errorf("registry: %s synchronizes with unknown dataset %s", at.Name, *at.Spec.SynchronizeWith)
		}
		at.Refresher.SynchronizeWith(target.Refresher)
	}

	for _, at := range built {
		at.Refresher.Start(ctx)
	}
	return nil
}

// ValidateDependencies runs the same dependency ordering Load uses,
// without building any connector or accelerator, so a manifest's
// depends_on/synchronize_with graph can be checked offline (see
// cmd/accelerant-lint).
func ValidateDependencies(specs []dataset.Spec) error {
	_, err := topoSort(specs)
	return err
}

func (reg *Registry) build(ctx context.Context, spec dataset.Spec) (*AcceleratedTable, error) {
	fed := federated.New(spec.ParsedFrom(), spec.Params)

	var engineName string
	var engineParams map[string]string
	if spec.Acceleration != nil {
		engineParams = spec.Acceleration.EngineParams
		if spec.Acceleration.Mode == dataset.AccelerationFile {
			engineName = spec.Acceleration.Engine
		} else {
			engineName = "memory"
		}
	} else {
		engineName = "memory"
	}

	store, err := accelerator.New(engineName, engineParams)
	if err != nil {
		return nil, err
	}

	tableName := spec.Name.String()
	if !store.IsInitialized(tableName) {
		if err := store.Init(ctx, tableName); err != nil {
			return nil, fmt.Errorf("initializing accelerator for %s: %w", spec.Name, err)
		}
	}

	schema, err := fed.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving federated schema for %s: %w", spec.Name, err)
	}

	opts := accelerator.TableOptions{}
	if spec.Acceleration != nil {
		opts.PrimaryKey = spec.Acceleration.PrimaryKey
		opts.Indexes = spec.Acceleration.Indexes
	}
	provider, err := store.CreateExternalTable(ctx, tableName, schema, opts)
	if err != nil {
		return nil, fmt.Errorf("creating accelerator table for %s: %w", spec.Name, err)
	}

	checkpoints, err := reg.checkpointStoreFor(ctx, store, tableName)
	if err != nil {
		return nil, fmt.Errorf("preparing checkpoint store for %s: %w", spec.Name, err)
	}

	r := refresher.New(spec.Name, spec, fed, provider, checkpoints, reg.invalidator, reg.logger)
	return &AcceleratedTable{Name: spec.Name, Spec: spec, Federated: fed, Accelerator: provider, Refresher: r}, nil
}

// sqlBacked is implemented by accelerator engines (fileengine.Store)
// that expose a per-dataset *sql.DB, letting checkpoints share that
// same database rather than falling back to the process-lifetime
// MemStore. Declared locally so registry need not import fileengine.
type sqlBacked interface {
	DB(dataset string) (*sql.DB, error)
}

// checkpointStoreFor picks the durable SQLStore for file-engine-backed
// datasets (C8) so a write-then-restart can resume, falling back to
// the registry's shared store (typically a MemStore) for engines with
// no backing *sql.DB, such as memengine.
func (reg *Registry) checkpointStoreFor(ctx context.Context, store accelerator.Store, tableName string) (checkpoint.Store, error) {
	backed, ok := store.(sqlBacked)
	if !ok {
		return reg.checkpoints, nil
	}
	db, err := backed.DB(tableName)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewSQLStore(ctx, db, "")
}

// Reload replaces a single dataset's running state with a freshly
// built one (rebuild, never rebind) and stops the old Refresher after
// the new one has started.
func (reg *Registry) Reload(ctx context.Context, spec dataset.Spec) error {
	at, err := reg.build(ctx, spec)
	if err != nil {
		return err
	}
	at.Refresher.Start(ctx)

	reg.mu.Lock()
	old, existed := reg.tables[spec.Name]
	reg.tables[spec.Name] = at
	reg.mu.Unlock()

	if existed {
		old.Refresher.Close()
	}
	return nil
}

// Remove stops and forgets a dataset.
func (reg *Registry) Remove(name dataset.Name) {
	reg.mu.Lock()
	at, ok := reg.tables[name]
	delete(reg.tables, name)
	reg.mu.Unlock()
	if ok {
		at.Refresher.Close()
	}
}

// List returns every currently registered dataset's name.
func (reg *Registry) List() []dataset.Name {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]dataset.Name, 0, len(reg.tables))
	for n := range reg.tables {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	return names
}

func (reg *Registry) lookup(name dataset.Name) (*AcceleratedTable, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	at, ok := reg.tables[name]
	return at, ok
}

// Get returns a dataset's current running state.
func (reg *Registry) Get(name dataset.Name) (*AcceleratedTable, bool) {
	return reg.lookup(name)
}

// topoSort orders specs so that every depends_on target precedes its
// dependent, detecting cycles. synchronize_with targets are treated as
// an implicit dependency too, since a follower's handoff requires the
// target's Refresher to already exist.
func topoSort(specs []dataset.Spec) ([]dataset.Spec, error) {
	byName := make(map[dataset.Name]dataset.Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[dataset.Name]int, len(specs))
	order := make([]dataset.Spec, 0, len(specs))

	var cycle []dataset.Name
	var visit func(name dataset.Name) error
	visit = func(name dataset.Name) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			cycle = append(cycle, name)
			return &ErrDependencyCycle{Members: append([]dataset.Name(nil), cycle...)}
		}
		spec, ok := byName[name]
		if !ok {
			// Referenced but not part of this batch: assume already
			// loaded by a prior call and skip ordering it here.
			return nil
		}
		state[name] = visiting
		cycle = append(cycle, name)
		for _, dep := range spec.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if spec.SynchronizeWith != nil {
			if err := visit(*spec.SynchronizeWith); err != nil {
				return err
			}
		}
		cycle = cycle[:len(cycle)-1]
		state[name] = visited
		order = append(order, spec)
		return nil
	}

	for _, s := range specs {
		if err := visit(s.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
