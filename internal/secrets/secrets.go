// Package secrets resolves wallet secret references to signing credentials.
// The engine only ever holds references; the material is fetched per call.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrUnsupported = errors.New("secret ref scheme not supported")
)

// Credential is the material a wallet adapter needs to sign for an account.
type Credential struct {
	Ref    string
	Secret string
}

type Store interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// Scheme returns the part of ref before the first colon.
func Scheme(ref string) string {
	scheme, _, ok := strings.Cut(ref, ":")
	if !ok {
		return ""
	}
	return scheme
}

// Env resolves "env:NAME" refs from the process environment.
type Env struct {
	Lookup func(string) (string, bool)
}

func (e Env) Resolve(_ context.Context, ref string) (Credential, error) {
	if Scheme(ref) != "env" {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnsupported, ref)
	}
	name := strings.TrimPrefix(ref, "env:")
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return Credential{Ref: ref, Secret: v}, nil
}

// Static serves refs from a fixed map.
type Static map[string]string

func (s Static) Resolve(_ context.Context, ref string) (Credential, error) {
	v, ok := s[ref]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return Credential{Ref: ref, Secret: v}, nil
}

// Chain tries each store in order, skipping stores that do not handle the ref
// scheme. Refs without a scheme are refused before any store is asked.
type Chain []Store

func (c Chain) Resolve(ctx context.Context, ref string) (Credential, error) {
	scheme := Scheme(ref)
	if scheme == "" {
		return Credential{}, fmt.Errorf("%w: %q has no scheme", ErrUnsupported, ref)
	}
	var lastErr error = fmt.Errorf("%w: no store for %s refs", ErrUnsupported, scheme)
	for _, s := range c {
		cred, err := s.Resolve(ctx, ref)
		if err == nil {
			return cred, nil
		}
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			return Credential{}, err
		}
	}
	return Credential{}, lastErr
}
