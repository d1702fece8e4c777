package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvSource serves env://NAME references from the host environment.
type EnvSource struct{}

func NewEnvSource() EnvSource { return EnvSource{} }

func (EnvSource) Scheme() string { return "env" }

func (EnvSource) Fetch(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrUnresolved)
	}
	value := os.Getenv(ref)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is unset or empty", ErrUnresolved, ref)
	}
	return value, nil
}
