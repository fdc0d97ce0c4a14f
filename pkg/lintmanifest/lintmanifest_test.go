package lintmanifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/dataset"
)

func name(table string) dataset.Name {
	return dataset.Name{Table: table}
}

func TestSpecsFlagsUnknownDependsOn(t *testing.T) {
	specs := []dataset.Spec{
		{Name: name("orders"), From: "mysql://orders", DependsOn: []dataset.Name{name("missing")}},
	}
	violations := Specs(specs)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0].Message, "missing")
}

func TestSpecsFlagsCycle(t *testing.T) {
	a := name("a")
	b := name("b")
	specs := []dataset.Spec{
		{Name: a, From: "mysql://a", DependsOn: []dataset.Name{b}},
		{Name: b, From: "mysql://b", DependsOn: []dataset.Name{a}},
	}
	violations := Specs(specs)
	require.NotEmpty(t, violations)
}

func TestSpecsCleanManifestHasNoViolations(t *testing.T) {
	orders := name("orders")
	specs := []dataset.Spec{
		{Name: orders, From: "mysql://orders"},
		{Name: name("orders_view"), From: "sink", DependsOn: []dataset.Name{orders}},
	}
	require.Empty(t, Specs(specs))
}
