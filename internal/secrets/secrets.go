// Package secrets resolves credential references in configuration values
// into the credentials themselves, so API keys and DSNs need not be written
// to config files. A reference has the form "<scheme>://<ref>", for example
// "env://OPENAI_API_KEY" or "vault://secret/data/kodo#openai". Values with
// no registered scheme are returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Backend looks up the part of a reference after "<scheme>://".
// Implementations must be safe for concurrent use.
type Backend interface {
	Scheme() string
	Lookup(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the backend registered for their scheme.
type Resolver struct {
	backends map[string]Backend
}

// NewResolver returns a resolver for the env scheme plus backends.
// A later backend replaces an earlier one with the same scheme.
func NewResolver(backends ...Backend) *Resolver {
	r := &Resolver{backends: map[string]Backend{}}
	r.backends[EnvScheme] = EnvBackend{}
	for _, b := range backends {
		r.backends[b.Scheme()] = b
	}
	return r
}

// Resolve returns the credential value references.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := strings.Cut(value, "://")
	if !ok {
		return value, nil
	}
	b, ok := r.backends[scheme]
	if !ok {
		return value, nil
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrNotFound, scheme)
	}
	v, err := b.Lookup(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%s://%s: %w", scheme, ref, err)
	}
	return v, nil
}

// ResolveFields resolves each named field in place. Names only appear in
// error messages. Empty fields are skipped.
func (r *Resolver) ResolveFields(ctx context.Context, fields map[string]*string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		if field == nil || *field == "" {
			continue
		}
		v, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		*field = v
	}
	return nil
}
