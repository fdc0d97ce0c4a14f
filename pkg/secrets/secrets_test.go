package secrets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

func TestResolveParamsSubstitutesPlaceholder(t *testing.T) {
	r := mapResolver{"DB_PASSWORD": "hunter2"}
	out, err := ResolveParams(r, map[string]string{
		"password": "${secret:DB_PASSWORD}",
		"host":     "localhost",
	})
	require.NoError(t, err)
	require.Equal(t, "hunter2", out["password"])
	require.Equal(t, "localhost", out["host"])
}

func TestResolveParamsErrorsOnUnresolvedSecret(t *testing.T) {
	r := mapResolver{}
	_, err := ResolveParams(r, map[string]string{"password": "${secret:MISSING}"})
	require.Error(t, err)
}
