package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zot/esm-hmr/internal/client"
	"github.com/zot/esm-hmr/internal/config"
	"github.com/zot/esm-hmr/internal/mcp"
	"github.com/zot/esm-hmr/internal/overlay"
	"github.com/zot/esm-hmr/internal/session"
)

// runClient runs page sessions until interrupted.
func runClient(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(cfg, overlay.NewConsole(os.Stderr))

	if cfg.Inspector.Enabled {
		go func() {
			// the inspector owns stdio; when its client goes away, so do we
			defer stop()
			if err := mcp.ServeStdio(mcp.NewServer(manager, Version)); err != nil {
				cfg.Log(0, "inspector: %v", err)
			}
		}()
	}

	cfg.Log(1, "loading %s from %s", cfg.Client.Entry, cfg.Client.Origin)
	if err := manager.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hmr-client: %v\n", err)
		return 1
	}
	cfg.Log(1, "shutting down")
	return 0
}

// inspect writes the effective configuration as TOML, preceded by the
// websocket endpoint it implies.
func inspect(w io.Writer, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	endpoint, err := client.EndpointURL(cfg.Client.Endpoint, cfg.Client.Origin)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# endpoint: %s\n", endpoint)
	return cfg.Encode(w)
}
