package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// ForbiddenError indicates a member lacks a permission code.
type ForbiddenError struct {
	Permission     string
	InstallationID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required on installation %s", e.Permission, e.InstallationID)
}

// Is lets errors.Is(err, domain.ErrPermissionDenied) match.
func (e ForbiddenError) Is(target error) bool {
	return errors.Is(domain.ErrPermissionDenied, target)
}

// Resolver answers installation-scoped permission questions. It reads the
// grant on every call so a revocation is visible to the next action.
type Resolver struct {
	Repo repo.Repo
}

// Resolve returns the user's explicit codes plus every default catalog code.
// A user without a membership row gets domain.ErrNotMember.
func (s Resolver) Resolve(ctx context.Context, tx *sql.Tx, userID, installationID string) ([]string, error) {
	if userID == "" {
		return nil, &domain.Error{Code: domain.CodeNotMember, Message: "user required"}
	}
	member, err := s.IsMember(ctx, tx, userID, installationID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, NotMember(userID, installationID)
	}
	explicit, err := s.Repo.GrantedCodes(ctx, tx, userID, installationID)
	if err != nil {
		return nil, err
	}
	defaults, err := s.Repo.DefaultPermissionCodes(ctx, tx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var codes []string
	for _, c := range append(explicit, defaults...) {
		if !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// Authorize reports whether the user holds code on the installation.
func (s Resolver) Authorize(ctx context.Context, tx *sql.Tx, userID, installationID, code string) (bool, error) {
	codes, err := s.Resolve(ctx, tx, userID, installationID)
	if err != nil {
		return false, err
	}
	for _, c := range codes {
		if c == code {
			return true, nil
		}
	}
	return false, nil
}

// Require fails with NotMember or a PermissionDenied error naming the code.
func (s Resolver) Require(ctx context.Context, tx *sql.Tx, userID, installationID, code string) error {
	ok, err := s.Authorize(ctx, tx, userID, installationID, code)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.Error{
			Code:    domain.CodePermissionDenied,
			Message: fmt.Sprintf("user %s lacks %s", userID, code),
			Err:     ForbiddenError{Permission: code, InstallationID: installationID},
		}
	}
	return nil
}

// NotMember is the error for a user without a membership row.
func NotMember(userID, installationID string) error {
	return &domain.Error{Code: domain.CodeNotMember, Message: fmt.Sprintf("user %s is not a member of installation %s", userID, installationID)}
}

// IsMember reports whether a membership row exists.
func (s Resolver) IsMember(ctx context.Context, tx *sql.Tx, userID, installationID string) (bool, error) {
	_, err := s.Repo.GetGrant(ctx, tx, userID, installationID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
