package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

func setup(t *testing.T) (Resolver, repo.Repo) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	now := "2026-01-01T00:00:00Z"
	for _, p := range []domain.Permission{
		{Code: "task.view", Name: "View", IsDefault: true},
		{Code: "task.manage", Name: "Manage"},
		{Code: "task.settle", Name: "Settle"},
	} {
		require.NoError(t, r.UpsertPermission(ctx, nil, p))
	}
	for _, id := range []string{"owner", "member", "outsider"} {
		require.NoError(t, r.InsertUser(ctx, nil, domain.User{ID: id, DisplayName: id, WalletAddress: "G" + id, WalletSecretRef: "ref", CreatedAt: now}))
	}
	require.NoError(t, r.InsertInstallation(ctx, nil, domain.Installation{
		ID: "i1", Name: "acme", WalletAddress: "GW", WalletSecretRef: "w", EscrowAddress: "GE", EscrowSecretRef: "e", CreatedBy: "owner", CreatedAt: now,
	}))
	require.NoError(t, r.SaveGrant(ctx, nil, domain.UserInstallationPermission{ID: "g1", UserID: "owner", InstallationID: "i1", Codes: []string{"task.manage", "task.settle"}, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, r.SaveGrant(ctx, nil, domain.UserInstallationPermission{ID: "g2", UserID: "member", InstallationID: "i1", Codes: []string{}, CreatedAt: now, UpdatedAt: now}))
	return Resolver{Repo: r}, r
}

func TestResolveUnionsDefaults(t *testing.T) {
	s, _ := setup(t)
	codes, err := s.Resolve(context.Background(), nil, "owner", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task.manage", "task.settle", "task.view"}, codes)

	codes, err = s.Resolve(context.Background(), nil, "member", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task.view"}, codes)
}

func TestResolveNonMember(t *testing.T) {
	s, _ := setup(t)
	_, err := s.Resolve(context.Background(), nil, "outsider", "i1")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	err = s.Require(context.Background(), nil, "outsider", "i1", "task.view")
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestRequireNamesMissingCode(t *testing.T) {
	s, _ := setup(t)
	err := s.Require(context.Background(), nil, "member", "i1", "task.manage")
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "task.manage", fe.Permission)
	assert.NoError(t, s.Require(context.Background(), nil, "member", "i1", "task.view"))
}

func TestRevocationVisibleImmediately(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	ok, err := s.Authorize(ctx, nil, "owner", "i1", "task.settle")
	require.NoError(t, err)
	require.True(t, ok)

	g, err := r.GetGrant(ctx, nil, "owner", "i1")
	require.NoError(t, err)
	g.Codes = []string{"task.manage"}
	require.NoError(t, r.SaveGrant(ctx, nil, g))

	ok, err = s.Authorize(ctx, nil, "owner", "i1", "task.settle")
	require.NoError(t, err)
	assert.False(t, ok)
}
