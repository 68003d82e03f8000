package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/respond/internal/api"
	"github.com/kalambet/respond/internal/config"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/watch"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recovering gateway and background watcher (foreground)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(stderr, "respond version %s\n", version)

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					printWarning("closing storage: %v", err)
				}
			}()

			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = a.cfg.Server.Port
			}
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = os.Getenv("RESPOND_SERVER_TOKEN")
			}
			withMCP, _ := cmd.Flags().GetBool("mcp")

			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return fmt.Errorf("listening on port %d: %w", port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, ln, serveOptions{Token: token, MCP: withMCP})
		},
	}
	cmd.Flags().Int("port", 0, "listen port (default: server.port)")
	cmd.Flags().String("token", "", "require this bearer token on /v1 routes (or RESPOND_SERVER_TOKEN)")
	cmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	return cmd
}

type serveOptions struct {
	Token string
	MCP   bool
}

// serve runs the gateway on ln and the background watcher until ctx ends.
func serve(ctx context.Context, a *app, ln net.Listener, opts serveOptions) error {
	gateway := api.NewGateway(api.GatewayDeps{
		Client:       a.client,
		Store:        a.store,
		DefaultModel: a.cfg.API.DefaultModel,
		Gatherer:     a.registry,
		Token:        opts.Token,
	})
	srv := &http.Server{
		Handler:           gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := watch.NewWorker(a.store, a.poller, a.metrics, a.pollInterval)
	go worker.Run(ctx)

	if opts.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Client:       a.client,
			Store:        a.store,
			DefaultModel: a.cfg.API.DefaultModel,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "respond listening on %s\n", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, gateway and journal status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				printError("config error: %v", err)
				return nil
			}

			client := &http.Client{Timeout: 2 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
			if err != nil {
				printStatus("Gateway", "stopped")
			} else {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					printStatus("Gateway", "running on port %d", cfg.Server.Port)
				} else {
					printStatus("Gateway", "error (HTTP %d)", resp.StatusCode)
				}
			}

			printStatus("Service", "%s", cfg.API.BaseURL)
			if cfg.API.APIKey != "" {
				printStatus("API key", "set")
			} else {
				printWarning("API key not set: %v", config.ErrMissingAPIKey)
			}
			printStatus("Model", "%s", cfg.API.DefaultModel)

			if p, err := cfg.Policy(); err != nil {
				printStatus("Recovery", "invalid: %v", err)
			} else {
				printStatus("Recovery", "%s (scope %s, max retries %d, auto-prune %t)",
					cfg.Recovery.Preset, p.Scope, p.MaxRetries, p.AutoPrune)
			}

			if store, err := storage.Open(cfg.Storage.DataDir); err == nil {
				if execs, err := store.RecentExecutions(100); err == nil {
					printStatus("Executions", "%s", countLabel(len(execs), 100))
				}
				if due, err := store.DueBackground(100); err == nil {
					printStatus("Pending background", "%s", countLabel(len(due), 100))
				}
				store.Close()
			}

			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		},
	}
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
