package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// catalogCodes checks codes against the stored catalog and returns them deduplicated.
func (e Engine) catalogCodes(ctx context.Context, tx *sql.Tx, codes []string) ([]string, error) {
	catalog, err := e.Repo.ListPermissions(ctx, tx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(catalog))
	for _, p := range catalog {
		known[p.Code] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, c := range codes {
		if !known[c] {
			return nil, &domain.Error{Code: domain.CodeUnknownPermission, Constraint: c, Message: fmt.Sprintf("permission %q is not in the catalog", c)}
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (e Engine) checkMemberQuota(ctx context.Context, tx *sql.Tx, in domain.Installation) error {
	if in.SubscriptionPackageID == nil {
		return nil
	}
	pkg, err := e.Repo.GetPackage(ctx, tx, *in.SubscriptionPackageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pkg.MaxUsers == 0 {
		return nil
	}
	n, err := e.Repo.CountMembers(ctx, tx, in.ID)
	if err != nil {
		return err
	}
	if n >= pkg.MaxUsers {
		return &domain.Error{Code: domain.CodeQuotaExceeded, Constraint: "max_users",
			Message: fmt.Sprintf("package %s allows %d members", pkg.ID, pkg.MaxUsers)}
	}
	return nil
}

// GrantPermission adds codes to a user's membership, creating the membership
// when needed. The actor needs permission.manage.
func (e Engine) GrantPermission(ctx context.Context, installationID, userID, actingUserID string, codes []string) (domain.UserInstallationPermission, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	defer tx.Rollback()

	in, err := e.loadInstallation(ctx, tx, installationID)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	if err := e.Auth.Require(ctx, tx, actingUserID, in.ID, config.PermPermissionManage); err != nil {
		return domain.UserInstallationPermission{}, err
	}
	if _, err := e.loadUser(ctx, tx, userID); err != nil {
		return domain.UserInstallationPermission{}, err
	}
	add, err := e.catalogCodes(ctx, tx, codes)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}

	now := e.timestamp()
	g, err := e.Repo.GetGrant(ctx, tx, userID, in.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := e.checkMemberQuota(ctx, tx, in); err != nil {
			return domain.UserInstallationPermission{}, err
		}
		g = domain.UserInstallationPermission{ID: uuid.NewString(), UserID: userID, InstallationID: in.ID, CreatedAt: now}
	case err != nil:
		return domain.UserInstallationPermission{}, err
	}
	g.Codes = mergeCodes(g.Codes, add)
	actor := actingUserID
	g.AssignedBy = &actor
	g.UpdatedAt = now
	if err := e.Repo.SaveGrant(ctx, tx, g); err != nil {
		return domain.UserInstallationPermission{}, fmt.Errorf("save grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.UserInstallationPermission{}, err
	}
	e.Log.Infow("permissions granted", "installation_id", in.ID, "user_id", userID, "codes", add, "by", actingUserID)
	return g, nil
}

// RevokePermission removes codes from a membership. Revoking with no codes
// removes the membership itself.
func (e Engine) RevokePermission(ctx context.Context, installationID, userID, actingUserID string, codes []string) (domain.UserInstallationPermission, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	defer tx.Rollback()

	in, err := e.loadInstallation(ctx, tx, installationID)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	if err := e.Auth.Require(ctx, tx, actingUserID, in.ID, config.PermPermissionManage); err != nil {
		return domain.UserInstallationPermission{}, err
	}
	g, err := e.Repo.GetGrant(ctx, tx, userID, in.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.UserInstallationPermission{}, &domain.Error{Code: domain.CodeNotMember,
			Message: fmt.Sprintf("user %s is not a member of installation %s", userID, in.ID)}
	}
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	if len(codes) == 0 {
		if err := e.Repo.DeleteGrant(ctx, tx, userID, in.ID); err != nil {
			return domain.UserInstallationPermission{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.UserInstallationPermission{}, err
		}
		e.Log.Infow("membership removed", "installation_id", in.ID, "user_id", userID, "by", actingUserID)
		g.Codes = []string{}
		return g, nil
	}
	drop, err := e.catalogCodes(ctx, tx, codes)
	if err != nil {
		return domain.UserInstallationPermission{}, err
	}
	remove := make(map[string]bool, len(drop))
	for _, c := range drop {
		remove[c] = true
	}
	kept := []string{}
	for _, c := range g.Codes {
		if !remove[c] {
			kept = append(kept, c)
		}
	}
	g.Codes = kept
	actor := actingUserID
	g.AssignedBy = &actor
	g.UpdatedAt = e.timestamp()
	if err := e.Repo.SaveGrant(ctx, tx, g); err != nil {
		return domain.UserInstallationPermission{}, fmt.Errorf("save grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.UserInstallationPermission{}, err
	}
	e.Log.Infow("permissions revoked", "installation_id", in.ID, "user_id", userID, "codes", drop, "by", actingUserID)
	return g, nil
}

// Permissions returns the effective codes of userID. Members may read their
// own; reading someone else's needs permission.manage.
func (e Engine) Permissions(ctx context.Context, installationID, userID, actingUserID string) ([]string, error) {
	if _, err := e.loadInstallation(ctx, nil, installationID); err != nil {
		return nil, err
	}
	if userID != actingUserID {
		if err := e.Auth.Require(ctx, nil, actingUserID, installationID, config.PermPermissionManage); err != nil {
			return nil, err
		}
	}
	return e.Auth.Resolve(ctx, nil, userID, installationID)
}

// Members lists the memberships of an installation with their explicit codes.
func (e Engine) Members(ctx context.Context, installationID, actingUserID string) ([]domain.UserInstallationPermission, error) {
	if err := e.Auth.Require(ctx, nil, actingUserID, installationID, config.PermTaskView); err != nil {
		return nil, err
	}
	return e.Repo.ListGrants(ctx, nil, installationID)
}

func (e Engine) ListPermissionCatalog(ctx context.Context) ([]domain.Permission, error) {
	return e.Repo.ListPermissions(ctx, nil)
}

func mergeCodes(have, add []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, c := range append(append([]string{}, have...), add...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
