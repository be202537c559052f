package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

func escrowCmd() *cobra.Command {
	escrow := &cobra.Command{
		Use:   "escrow",
		Short: "Fund and inspect installation wallets",
		Long:  "Bounties are paid from the escrow wallet. Funds reach it from the installation's operating wallet with 'bl escrow top-up'; 'bl escrow fund-sandbox' mints test funds on the sandbox ledger.",
	}
	escrow.AddCommand(escrowFundSandboxCmd())
	escrow.AddCommand(escrowTopUpCmd())
	escrow.AddCommand(escrowBalanceCmd())
	escrow.AddCommand(escrowSwapCmd())
	return escrow
}

func escrowFundSandboxCmd() *cobra.Command {
	var asset, amount string
	var toEscrow bool
	cmd := &cobra.Command{
		Use:   "fund-sandbox",
		Short: "Mint sandbox funds into the installation's operating (or escrow) wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				in, err := a.Engine.GetInstallation(ctx, inst, actor)
				if err != nil {
					return err
				}
				if asset == "" {
					asset = a.Config.Bounty.DefaultAsset
				}
				addr := in.WalletAddress
				if toEscrow {
					addr = in.EscrowAddress
				}
				bal, err := a.Sandbox.Fund(ctx, addr, asset, d)
				if err != nil {
					return err
				}
				fmt.Printf("%s now holds %s %s\n", addr, bal.String(), asset)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset (config default if omitted)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	cmd.Flags().BoolVar(&toEscrow, "escrow", false, "credit the escrow wallet directly")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowTopUpCmd() *cobra.Command {
	var asset, amount string
	cmd := &cobra.Command{
		Use:   "top-up",
		Short: "Move funds from the operating wallet into escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if asset == "" {
					asset = a.Config.Bounty.DefaultAsset
				}
				row, err := a.Engine.TopUpEscrow(ctx, inst, actor, asset, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset (config default if omitted)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowBalanceCmd() *cobra.Command {
	var asset string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Escrow balance",
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
				if asset == "" {
					asset = a.Config.Bounty.DefaultAsset
				}
				bal, err := a.Engine.EscrowBalance(ctx, inst, actor, asset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"installation_id": inst, "asset": asset, "amount": bal.String()})
				}
				fmt.Printf("%s %s\n", bal.String(), asset)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset (config default if omitted)")
	return cmd
}

func escrowSwapCmd() *cobra.Command {
	var from, to, amount string
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Convert assets in the operating wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			inst, err := installationID()
			if err != nil {
				return err
			}
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				row, err := a.Engine.Swap(ctx, inst, actor, from, to, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "XLM", "source asset")
	cmd.Flags().StringVar(&to, "to", "USDC", "target asset (USDC or XLM)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount of the source asset")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerCmd() *cobra.Command {
	var f repo.TransactionFilter
	var category string
	var mine bool
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List ledger transactions of an installation (or your own with --mine)",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			if mine {
				f.UserID = actor
			} else if f.InstallationID, err = installationID(); err != nil {
				return err
			}
			f.Category = domain.TransactionCategory(category)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rows, err := a.Engine.ListTransactions(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Category", "Amount", "To", "Task", "Tx"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.CreatedAt, r.Category, r.Amount.String() + " " + r.Asset, r.ToAddress, optionalString(r.TaskID), r.TxHash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "BOUNTY, SWAP_USDC, SWAP_XLM, WITHDRAWAL or TOP_UP")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().BoolVar(&mine, "mine", false, "rows of the acting user instead of an installation")
	return cmd
}

func withdrawCmd() *cobra.Command {
	var to, asset, amount string
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Send funds from the acting user's wallet to an external address",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingUser()
			if err != nil {
				return err
			}
			d, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if asset == "" {
					asset = a.Config.Bounty.DefaultAsset
				}
				row, err := a.Engine.Withdraw(ctx, actor, to, asset, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(row)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination address")
	cmd.Flags().StringVar(&asset, "asset", "", "asset (config default if omitted)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func contribCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contrib [user-id]",
		Short: "Contribution summary (acting user when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			} else {
				actor, err := actingUser()
				if err != nil {
					return err
				}
				target = actor
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s, err := a.Engine.ContributionSummary(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}
