package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/engine"
	"bountyline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowDevHeader, noRetrier bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the settlement retrier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:      jwtSecret(a),
					AllowDevHeader: allowDevHeader,
					Logger:         a.Log,
				}
				if authCfg.JWTSecret == "" && !allowDevHeader {
					a.Log.Warnw("no jwt secret configured; only API keys can authenticate")
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Metrics: a.Metrics})
				if err != nil {
					return err
				}
				if !noRetrier {
					go func() {
						if err := engine.NewRetrier(a.Engine).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							a.Log.Errorw("settlement retrier stopped", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Infow("serving bountyline api", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (server.base_path when omitted)")
	cmd.Flags().BoolVar(&allowDevHeader, "allow-dev-header", false, "DEV ONLY: trust X-User-Id and enable /auth/dev/login")
	cmd.Flags().BoolVar(&noRetrier, "no-retrier", false, "do not run the settlement retrier in this process")
	return cmd
}

// jwtSecret prefers BOUNTYLINE_JWT_SECRET over server.jwt_secret.
func jwtSecret(a *app.Context) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return a.Config.Server.JWTSecret
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one settlement retry pass over tasks stuck in MARKED_AS_COMPLETED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := engine.NewRetrier(a.Engine).RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for a user with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if _, err := a.Engine.Repo.GetUser(ctx, nil, args[0]); err != nil {
					return err
				}
				token, err := server.SignToken(jwtSecret(a), args[0], ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
