// Package secrets resolves credential references found in runbox
// configuration. The remote backend's API key and injected secret map
// may be written as references (env://NAME, vault://path#field) instead
// of raw material; the resolver swaps them for real values on the host
// before anything is sent to the sandbox service. A reference in a
// config file or a transcript is useless on its own, and resolved
// material is never written back to disk or into execution results.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnresolved is returned when a reference names no known material:
// unknown scheme, unset variable, missing Vault path or field.
var ErrUnresolved = errors.New("secrets: reference not resolved")

// Source fetches material for one reference scheme. Implementations
// must be safe for concurrent use.
type Source interface {
	// Scheme is the reference prefix this source serves, without "://".
	Scheme() string
	// Fetch resolves the part of the reference after "scheme://".
	Fetch(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches credential references to sources by scheme.
// Values that are not references pass through unchanged, so raw
// secrets in config keep working.
type Resolver struct {
	sources map[string]Source
	logger  *slog.Logger
}

// NewResolver builds a resolver over the given sources. A later source
// with the same scheme replaces an earlier one.
func NewResolver(logger *slog.Logger, sources ...Source) *Resolver {
	r := &Resolver{sources: make(map[string]Source, len(sources)), logger: logger}
	for _, s := range sources {
		r.sources[s.Scheme()] = s
	}
	return r
}

// IsRef reports whether value looks like a credential reference rather
// than raw material.
func IsRef(value string) bool {
	_, _, ok := splitRef(value)
	return ok
}

func splitRef(value string) (scheme, rest string, ok bool) {
	scheme, rest, ok = strings.Cut(value, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, " /") {
		return "", "", false
	}
	return scheme, rest, true
}

// ResolveValue resolves one value. Non-references are returned as-is.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	scheme, rest, ok := splitRef(value)
	if !ok {
		return value, nil
	}
	src, found := r.sources[scheme]
	if !found {
		return "", fmt.Errorf("%w: no source for scheme %q", ErrUnresolved, scheme)
	}
	material, err := src.Fetch(ctx, rest)
	if err != nil {
		return "", err
	}
	if r.logger != nil {
		r.logger.Debug("credential reference resolved", slog.String("scheme", scheme))
	}
	return material, nil
}

// ResolveMap resolves every reference in m in place. The map holds
// secret names to values or references; errors name the secret but
// never include the reference itself.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]string) error {
	for name, value := range m {
		resolved, err := r.ResolveValue(ctx, value)
		if err != nil {
			return fmt.Errorf("secret %q: %w", name, err)
		}
		m[name] = resolved
	}
	return nil
}
