// Package cli provides the command-line interface for the HMR client.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"io"
	"os"
)

// Version is the client version reported by the version command and the
// inspector.
var Version = "v0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runClient(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "run":
		return runClient(cmdArgs)
	case "inspect":
		if err := inspect(os.Stdout, cmdArgs); err != nil {
			fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
			return 1
		}
		return 0
	case "help", "-h", "--help":
		printHelp(os.Stdout, hooks)
		return 0
	case "version", "--version":
		printVersion(os.Stdout, hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runClient(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(os.Stderr, hooks)
		return 1
	}
}

func printHelp(w io.Writer, hooks *Hooks) {
	fmt.Fprintln(w, `ESM HMR Client

Usage: hmr-client [command] [options]

Commands:
  run             Load the entry module and apply hot updates (default)
  inspect         Print the effective configuration and endpoint
  help            Show this help
  version         Show the version

Options:
  --config          TOML configuration file (default: hmr.toml)
  --origin          Dev server origin (default: http://localhost:8080)
  --endpoint        Websocket endpoint (default: derived from origin)
  --entry           Entry module path (default: /index.js)
  --reconnect-delay Delay before reloading after a lost connection (default: 1s)
  --fetch-timeout   Module fetch timeout (default: none)
  --mcp             Serve the MCP inspector on stdio
  --log-level       Log level: debug, info, warn, error
  -v, -vv, -vvv     Verbosity: connection, messages, modules

Environment:
  HMR_ORIGIN, HMR_ENDPOINT, HMR_ENTRY, HMR_RECONNECT_DELAY, HMR_FETCH_TIMEOUT,
  HMR_MCP, HMR_LOG_LEVEL, HMR_VERBOSITY

Examples:
  hmr-client run --origin http://localhost:3000 --entry /src/main.js -vv
  hmr-client inspect --config dev.toml`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Fprintln(w, hooks.CustomHelp())
	}
}

func printVersion(w io.Writer, hooks *Hooks) {
	fmt.Fprintf(w, "ESM HMR Client %s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(w, hooks.CustomVersion())
	}
}
