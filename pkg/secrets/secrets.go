// Package secrets resolves ${secret:NAME} placeholders inside a
// dataset's connector params, so manifests never carry credentials in
// plain text. Params arrive from a YAML manifest rather than typed
// struct fields, so resolution is pulled out into its own small
// package rather than composed inline at connection time.
package secrets

import (
	"fmt"
	"os"
	"regexp"
)

// Resolver looks a named secret up from wherever it is actually stored.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// EnvResolver resolves secrets from process environment variables
// prefixed with ACCELERANT_SECRET_, the simplest resolver that needs no
// external service and is always available.
type EnvResolver struct {
	Prefix string
}

// NewEnvResolver returns an EnvResolver using the default
// "ACCELERANT_SECRET_" prefix.
func NewEnvResolver() EnvResolver {
	return EnvResolver{Prefix: "ACCELERANT_SECRET_"}
}

func (r EnvResolver) Resolve(name string) (string, bool) {
	return os.LookupEnv(r.Prefix + name)
}

var placeholder = regexp.MustCompile(`\$\{secret:([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveParams returns a copy of params with every ${secret:NAME}
// placeholder substituted via r. An unresolved placeholder is an error
// naming the offending key and secret.
func ResolveParams(r Resolver, params map[string]string) (map[string]string, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		resolved, err := resolveValue(r, k, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(r Resolver, key, value string) (string, error) {
	var resolveErr error
	result := placeholder.ReplaceAllStringFunc(value, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		secret, ok := r.Resolve(name)
		if !ok {
			resolveErr = fmt.Errorf("secrets: param %q references unresolved secret %q", key, name)
			return match
		}
		return secret
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}
