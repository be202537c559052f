package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/repo"
	"bountyline/internal/wallet"
)

// SyncCatalog seeds the permission catalog and subscription packages from config.
func (e Engine) SyncCatalog(ctx context.Context) error {
	if err := e.requireConfig(); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, code := range e.Config.AllPermissionCodes() {
		spec := e.Config.Permissions.Catalog[code]
		if err := e.Repo.UpsertPermission(ctx, tx, domain.Permission{Code: code, Name: spec.Name, IsDefault: spec.Default}); err != nil {
			return fmt.Errorf("seed permission %s: %w", code, err)
		}
	}
	for id, spec := range e.Config.Packages {
		price := decimal.Zero
		if spec.Price != "" {
			price, err = decimal.NewFromString(spec.Price)
			if err != nil {
				return fmt.Errorf("package %s price: %w", id, err)
			}
		}
		name := spec.Name
		if name == "" {
			name = id
		}
		pkg := domain.SubscriptionPackage{ID: id, Name: name, MaxTasks: spec.MaxTasks, MaxUsers: spec.MaxUsers, Price: price, Paid: spec.Paid}
		if err := e.Repo.UpsertPackage(ctx, tx, pkg); err != nil {
			return fmt.Errorf("seed package %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (e Engine) provisioner() (wallet.Provisioner, error) {
	p, ok := e.Wallet.(wallet.Provisioner)
	if !ok {
		return nil, fmt.Errorf("wallet provisioning: %w", wallet.ErrUnsupported)
	}
	return p, nil
}

// EnsureUser returns the user, creating it with a fresh wallet on first sight.
func (e Engine) EnsureUser(ctx context.Context, id, displayName string) (domain.User, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.User{}, false, domain.InvalidInput("user id is required")
	}
	u, err := e.Repo.GetUser(ctx, nil, id)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, err
	}
	p, err := e.provisioner()
	if err != nil {
		return domain.User{}, false, err
	}
	acct, err := p.Provision(ctx, "user:"+id)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("provision user wallet: %w", err)
	}
	if displayName == "" {
		displayName = id
	}
	u = domain.User{ID: id, DisplayName: displayName, WalletAddress: acct.Address, WalletSecretRef: acct.SecretRef, CreatedAt: e.timestamp()}
	err = e.inTx(ctx, func(tx *sql.Tx) error { return e.Repo.InsertUser(ctx, tx, u) })
	if repo.IsConflict(err, "users") {
		// Created by a concurrent caller; the wallet provisioned here stays unused.
		existing, err := e.loadUser(ctx, nil, id)
		return existing, false, err
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("insert user: %w", err)
	}
	e.Log.Infow("user created", "user_id", u.ID, "wallet", u.WalletAddress)
	return u, true, nil
}

// AddAddress appends to a user's address book; known addresses are kept as they are.
func (e Engine) AddAddress(ctx context.Context, userID, address, label string, meta domain.Document) (domain.AddressBookEntry, error) {
	if !wallet.ValidAddress(address) {
		return domain.AddressBookEntry{}, domain.InvalidInput("invalid address %q", address)
	}
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return domain.AddressBookEntry{}, err
	}
	entry := domain.AddressBookEntry{UserID: userID, Address: address, Label: label, Meta: meta, CreatedAt: e.timestamp()}
	if _, err := e.Repo.AppendAddress(ctx, nil, entry); err != nil {
		return domain.AddressBookEntry{}, err
	}
	return entry, nil
}

func (e Engine) ListAddresses(ctx context.Context, userID string) ([]domain.AddressBookEntry, error) {
	return e.Repo.ListAddresses(ctx, nil, userID)
}

type InstallationCreateOptions struct {
	ID        string
	Name      string
	CreatorID string
	PackageID string
}

// CreateInstallation provisions the operating and escrow wallets and grants
// the creator every catalog code, together with the installation row.
func (e Engine) CreateInstallation(ctx context.Context, opts InstallationCreateOptions) (domain.Installation, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Installation{}, domain.InvalidInput("installation name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	p, err := e.provisioner()
	if err != nil {
		return domain.Installation{}, err
	}
	if _, err := e.loadUser(ctx, nil, opts.CreatorID); err != nil {
		return domain.Installation{}, err
	}
	var pkgRef *string
	if opts.PackageID != "" {
		if _, err := e.Repo.GetPackage(ctx, nil, opts.PackageID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Installation{}, notFound("subscription package", opts.PackageID)
			}
			return domain.Installation{}, err
		}
		pkg := opts.PackageID
		pkgRef = &pkg
	}
	operating, err := p.Provision(ctx, "installation:"+opts.ID)
	if err != nil {
		return domain.Installation{}, fmt.Errorf("provision operating wallet: %w", err)
	}
	escrow, err := p.Provision(ctx, "escrow:"+opts.ID)
	if err != nil {
		return domain.Installation{}, fmt.Errorf("provision escrow wallet: %w", err)
	}
	now := e.timestamp()
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Installation{}, err
	}
	defer tx.Rollback()

	in := domain.Installation{
		ID:                    opts.ID,
		Name:                  opts.Name,
		WalletAddress:         operating.Address,
		WalletSecretRef:       operating.SecretRef,
		EscrowAddress:         escrow.Address,
		EscrowSecretRef:       escrow.SecretRef,
		SubscriptionPackageID: pkgRef,
		CreatedBy:             opts.CreatorID,
		CreatedAt:             now,
	}
	if err := e.Repo.InsertInstallation(ctx, tx, in); err != nil {
		if repo.IsConflict(err, "installations") {
			return domain.Installation{}, domain.InvalidInput("installation %s already exists", in.ID)
		}
		return domain.Installation{}, fmt.Errorf("insert installation: %w", err)
	}
	catalog, err := e.Repo.ListPermissions(ctx, tx)
	if err != nil {
		return domain.Installation{}, err
	}
	codes := make([]string, 0, len(catalog))
	for _, perm := range catalog {
		codes = append(codes, perm.Code)
	}
	creator := opts.CreatorID
	if err := e.Repo.SaveGrant(ctx, tx, domain.UserInstallationPermission{
		ID: uuid.NewString(), UserID: creator, InstallationID: in.ID, Codes: codes, AssignedBy: &creator, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return domain.Installation{}, fmt.Errorf("grant creator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Installation{}, err
	}
	e.Log.Infow("installation created", "installation_id", in.ID, "creator", creator, "escrow", in.EscrowAddress)
	return in, nil
}

func (e Engine) GetInstallation(ctx context.Context, id, actingUserID string) (domain.Installation, error) {
	in, err := e.loadInstallation(ctx, nil, id)
	if err != nil {
		return in, err
	}
	member, err := e.Auth.IsMember(ctx, nil, actingUserID, id)
	if err != nil {
		return domain.Installation{}, err
	}
	if !member {
		return domain.Installation{}, auth.NotMember(actingUserID, id)
	}
	return in, nil
}

// ListInstallations lists the installations userID belongs to.
func (e Engine) ListInstallations(ctx context.Context, userID string) ([]domain.Installation, error) {
	return e.Repo.ListInstallations(ctx, userID)
}

// CreateAPIKey issues a new key for userID and returns the raw value once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "blk_" + hex.EncodeToString(buf)
	key := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, Prefix: repo.APIKeyPrefix(raw), KeyHash: repo.HashAPIKey(raw), CreatedAt: e.timestamp()}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.Log.Infow("api key created", "user_id", userID, "key_id", key.ID, "prefix", key.Prefix)
	return key, raw, nil
}

// ListAPIKeys lists userID's keys. Only hashes and prefixes are stored, so
// raw values cannot be shown again.
func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey deletes one of userID's keys; it stops authenticating at once.
func (e Engine) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	if strings.TrimSpace(keyID) == "" {
		return domain.InvalidInput("key id is required")
	}
	err := e.Repo.DeleteAPIKey(ctx, nil, userID, keyID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("api key", keyID)
	}
	if err != nil {
		return err
	}
	e.Log.Infow("api key revoked", "user_id", userID, "key_id", keyID)
	return nil
}
