package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvResolve(t *testing.T) {
	env := Env{Lookup: func(k string) (string, bool) {
		if k == "ESCROW_KEY" {
			return "s3cret", true
		}
		return "", false
	}}
	cred, err := env.Resolve(context.Background(), "env:ESCROW_KEY")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cred.Secret)

	_, err = env.Resolve(context.Background(), "env:MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.Resolve(context.Background(), "vault:x")
	assert.ErrorIs(t, err, ErrUnsupported)
}

type failing struct{}

func (failing) Resolve(context.Context, string) (Credential, error) {
	return Credential{}, errors.New("backend down")
}

func TestChainSkipsUnsupportedAndStopsOnHardErrors(t *testing.T) {
	c := Chain{Env{Lookup: func(string) (string, bool) { return "", false }}, Static{"sandbox:GA": "k"}}
	cred, err := c.Resolve(context.Background(), "sandbox:GA")
	require.NoError(t, err)
	assert.Equal(t, "k", cred.Secret)

	_, err = c.Resolve(context.Background(), "sandbox:GB")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Chain{failing{}, Static{"static:x": "y"}}.Resolve(context.Background(), "static:x")
	assert.EqualError(t, err, "backend down")
}

func TestChainRefusesRefsWithoutScheme(t *testing.T) {
	c := Chain{Static{"plain": "k"}}
	_, err := c.Resolve(context.Background(), "plain")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Chain{Env{}}.Resolve(context.Background(), "vault:escrow")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorContains(t, err, "no store for vault refs")

	assert.Equal(t, "sandbox", Scheme("sandbox:GA"))
	assert.Equal(t, "", Scheme("plain"))
}
