// -- cmd/serve.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/cdp"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/mcp"
	"github.com/xkilldash9x/viewpoint-mcp/internal/observability"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
	"github.com/xkilldash9x/viewpoint-mcp/internal/tools"
)

// newDriver is swapped out in tests.
var newDriver = func(logger *zap.Logger) browser.Driver {
	return cdp.NewDriver(logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio, or over HTTP when --port is set",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()
	return serve(ctx, cfg, newDriver(logger), logger, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// serve wires the driver, session manager, tool registry and MCP server and
// runs the configured transport until ctx ends or stdin closes.
func serve(ctx context.Context, cfg *config.Config, driver browser.Driver, logger *zap.Logger, in io.Reader, out, errOut io.Writer) error {
	manager := session.NewManager(driver, cfg, logger)
	reg := tools.NewRegistry(cfg.Browser().Capabilities)
	env := &tools.Env{Manager: manager, Config: cfg, Logger: logger}
	srv := mcp.NewServer(cfg.Server().Name, Version, reg, env, logger)

	defer func() {
		timeout := cfg.Server().ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			logger.Warn("Browser shutdown did not complete cleanly.", zap.Error(err))
		}
	}()

	logger.Info("Starting viewpoint-mcp.",
		zap.String("version", Version),
		zap.Strings("capabilities", cfg.Browser().Capabilities),
		zap.Bool("headless", cfg.Browser().Headless))

	if cfg.Server().Port == 0 {
		err := srv.ServeStdio(ctx, in, out)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	transport := mcp.NewHTTPTransport(srv, cfg.Server(), logger)
	if transport.KeyGenerated() {
		fmt.Fprintf(errOut, "Generated API key (pass as 'Authorization: Bearer <key>'): %s\n", transport.APIKey())
	}
	return transport.ListenAndServe(ctx)
}
