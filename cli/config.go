// Package cli provides the command-line interface for the HMR client.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/esm-hmr/internal/config"
)

// Re-export config types for public API
type (
	Config          = config.Config
	ClientConfig    = config.ClientConfig
	RuntimeConfig   = config.RuntimeConfig
	InspectorConfig = config.InspectorConfig
	LoggingConfig   = config.LoggingConfig
	Duration        = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
