package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvScheme is the scheme of environment variable references.
const EnvScheme = "env"

// EnvBackend reads credentials from environment variables: "env://NAME".
type EnvBackend struct{}

func (EnvBackend) Scheme() string { return EnvScheme }

func (EnvBackend) Lookup(_ context.Context, name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return v, nil
}
