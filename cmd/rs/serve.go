package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redstone/internal/app"
	"redstone/internal/logging"
	"redstone/internal/mcp"
	"redstone/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					Engine:             a.Engine,
					BasePath:           cfg.Server.BasePath,
					Auth:               server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: logging.For(a.Log, "auth")},
					Log:                logging.For(a.Log, "http"),
					MaxScreenshotBytes: cfg.Screenshots.MaxBytes,
					DefaultRunLimit:    cfg.API.RunsPerPage,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
					"backend", cfg.Storage.Backend, "auth", cfg.Server.JWTSecret != "")
				fmt.Printf("Serving Redstone API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-path", "", "API base path")
	cmd.Flags().String("jwt-secret", "", "enable bearer auth for writes")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("server.jwt_secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve recorder tools to AI agents over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Log.Info("serving MCP on stdio", "backend", a.Config.Storage.Backend)
				return mcp.Serve(mcp.NewServer(a.Engine, version))
			})
		},
	}
}
