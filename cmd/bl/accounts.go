package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users, wallets and API keys"}
	user.AddCommand(userEnsureCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userAddressCmd())
	user.AddCommand(userAPIKeyCmd())
	return user
}

func userEnsureCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "ensure <user-id>",
		Short: "Register a user and provision its wallet (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u, created, err := a.Engine.EnsureUser(ctx, args[0], name)
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Fprintln(os.Stderr, "user already exists")
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the acting user with its wallet balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				u, err := a.Engine.Repo.GetUser(ctx, nil, actor)
				if err != nil {
					return err
				}
				balances := map[string]string{}
				for _, asset := range knownAssets(a) {
					bal, err := a.Engine.Balance(ctx, u.WalletAddress, asset)
					if err != nil {
						return err
					}
					balances[asset] = bal.String()
				}
				return printJSONOrTable(struct {
					domain.User
					Balances map[string]string `json:"balances"`
				}{u, balances})
			})
		},
	}
}

// knownAssets lists the default bounty asset plus every asset named in a rate pair.
func knownAssets(a *app.Context) []string {
	seen := map[string]bool{a.Config.Bounty.DefaultAsset: true}
	assets := []string{a.Config.Bounty.DefaultAsset}
	for pair := range a.Config.Wallet.Rates {
		from, to, _ := strings.Cut(pair, "/")
		for _, asset := range []string{from, to} {
			if !seen[asset] {
				seen[asset] = true
				assets = append(assets, asset)
			}
		}
	}
	return assets
}

func userAddressCmd() *cobra.Command {
	addr := &cobra.Command{Use: "address", Short: "Manage the acting user's address book"}
	var label, meta string
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Add an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			var doc domain.Document
			if meta != "" {
				if !json.Valid([]byte(meta)) {
					return fmt.Errorf("--meta must be JSON")
				}
				doc = domain.Document(meta)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entry, err := a.Engine.AddAddress(ctx, actor, args[0], label, doc)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "label")
	add.Flags().StringVar(&meta, "meta", "", "metadata as JSON")
	list := &cobra.Command{
		Use:   "list",
		Short: "List addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListAddresses(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	addr.AddCommand(add, list)
	return addr
}

func userAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "api-key",
		Short: "Issue an API key for the acting user (shown once); list or revoke keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key, raw, err := a.Engine.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "prefix": key.Prefix, "key": raw})
				}
				fmt.Printf("API key %s created. Store it now, it is not shown again:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Prefix", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.Prefix + "…", k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke one of the acting user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.RevokeAPIKey(ctx, actor, args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(list, revoke)
	return cmd
}

func installationCmd() *cobra.Command {
	inst := &cobra.Command{Use: "installation", Aliases: []string{"inst"}, Short: "Manage installations"}
	var opts engine.InstallationCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an installation; the acting user gets every permission",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			opts.CreatorID = actor
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				in, err := a.Engine.CreateInstallation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "installation id (random UUID if omitted)")
	create.Flags().StringVar(&opts.Name, "name", "", "name")
	create.Flags().StringVar(&opts.PackageID, "package", "", "subscription package id")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "Installations the acting user belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListInstallations(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Package", "Escrow"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Name, optionalString(in.SubscriptionPackageID), in.EscrowAddress})
				}
				tw.Render()
				return nil
			})
		},
	}

	packages := &cobra.Command{
		Use:   "packages",
		Short: "List subscription packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListPackages(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	inst.AddCommand(create, list, packages)
	return inst
}

func permCmd() *cobra.Command {
	perm := &cobra.Command{
		Use:   "perm",
		Short: "Installation permissions",
		Long:  "Permissions are per-installation codes. Granting to a non-member creates the membership within the package's user quota; revoking without codes removes it.",
	}
	perm.AddCommand(permChangeCmd("grant", "Grant permission codes to a user", true))
	perm.AddCommand(permChangeCmd("revoke", "Revoke permission codes (all of them, with the membership, when none are given)", false))
	perm.AddCommand(permShowCmd())
	perm.AddCommand(permMembersCmd())
	perm.AddCommand(permCatalogCmd())
	return perm
}

func permChangeCmd(use, short string, grant bool) *cobra.Command {
	var codes []string
	cmd := &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var (
					g   domain.UserInstallationPermission
					err error
				)
				if grant {
					g, err = a.Engine.GrantPermission(ctx, inst, args[0], actor, codes)
				} else {
					g, err = a.Engine.RevokePermission(ctx, inst, args[0], actor, codes)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringSliceVar(&codes, "code", nil, "permission code (repeatable)")
	return cmd
}

func permShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [user-id]",
		Short: "Effective permission codes (acting user when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			target := actor
			if len(args) == 1 {
				target = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				codes, err := a.Engine.Permissions(ctx, inst, target, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(codes)
				}
				fmt.Printf("%s on %s: %s\n", target, inst, strings.Join(codes, ", "))
				return nil
			})
		},
	}
}

func permMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List members and their explicit codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				grants, err := a.Engine.Members(ctx, inst, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Codes", "Assigned by", "Updated"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.UserID, strings.Join(g.Codes, ", "), optionalString(g.AssignedBy), g.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func permCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the permission catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListPermissionCatalog(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Default"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Code, p.Name, p.IsDefault})
				}
				tw.Render()
				return nil
			})
		},
	}
}
