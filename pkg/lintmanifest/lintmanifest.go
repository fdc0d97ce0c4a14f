// Package lintmanifest validates a dataset manifest offline: parse,
// per-dataset Validate(), and dependency-cycle detection, without
// opening a single connector or accelerator.
package lintmanifest

import (
	"fmt"

	"github.com/block/accelerant/pkg/config"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/registry"
)

// Violation is one problem found in a manifest.
type Violation struct {
	Dataset string
	Message string
}

func (v Violation) String() string {
	if v.Dataset == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Dataset, v.Message)
}

// File parses and validates the manifest at path, returning every
// violation found. A parse failure short-circuits with a single
// violation rather than attempting partial validation.
func File(path string) ([]Violation, error) {
	specs, err := config.Load(path)
	if err != nil {
		return []Violation{{Message: err.Error()}}, nil
	}
	return Specs(specs), nil
}

// Specs validates an already-parsed set of specs: referential
// integrity of depends_on/synchronize_with against the batch, and
// dependency-cycle detection via the same topological sort the
// registry uses at load time.
func Specs(specs []dataset.Spec) []Violation {
	var violations []Violation

	known := make(map[dataset.Name]bool, len(specs))
	for _, s := range specs {
		known[s.Name] = true
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				violations = append(violations, Violation{
					Dataset: s.Name.String(),
					Message: fmt.Sprintf("depends_on unknown dataset %s", dep),
				})
			}
		}
		if s.SynchronizeWith != nil && !known[*s.SynchronizeWith] {
			violations = append(violations, Violation{
				Dataset: s.Name.String(),
				Message: fmt.Sprintf("synchronize_with unknown dataset %s", *s.SynchronizeWith),
			})
		}
	}

	if err := registry.ValidateDependencies(specs); err != nil {
		violations = append(violations, Violation{Message: err.Error()})
	}

	return violations
}
