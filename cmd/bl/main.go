package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline runs a bounty marketplace: installations fund an escrow wallet,
tasks carry a bounty, and completed work is paid out from escrow to the contributor.
Core concepts:
- Workspace: a directory holding bountyline.yml, the task database and the sandbox ledger.
- Installation: an organisation with an operating wallet, an escrow wallet and a package quota.
- Task: OPEN -> IN_PROGRESS -> MARKED_AS_COMPLETED -> COMPLETED. Reopen returns IN_PROGRESS to OPEN while nothing is submitted.
- Settlement: the single escrow transfer that turns MARKED_AS_COMPLETED into COMPLETED.
- Permissions: installation-scoped codes such as task.manage or task.settle ('bl perm catalog').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user id")
	rootCmd.PersistentFlags().StringP("installation", "i", "", "installation id")
	rootCmd.PersistentFlags().Bool("dev", false, "human readable logs")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	for _, name := range []string{"workspace", "json", "user", "installation", "dev", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(installationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(contribCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(retryCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bountyline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Dev:       viper.GetBool("dev"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actingUser() (string, error) {
	u := strings.TrimSpace(viper.GetString("user"))
	if u == "" {
		return "", fmt.Errorf("--user (or BOUNTYLINE_USER) required")
	}
	return u, nil
}

func installationID() (string, error) {
	id := strings.TrimSpace(viper.GetString("installation"))
	if id == "" {
		return "", fmt.Errorf("--installation (or BOUNTYLINE_INSTALLATION) required")
	}
	return id, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return d, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
