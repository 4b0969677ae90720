/*
Package config loads dashboard configuration.

# Overview

Values come from four layers, each overriding the previous one:
struct defaults, environment variables, an optional YAML or TOML file,
and finally command-line flags applied by the caller.

# Usage

	cfg, err := config.LoadFile("dashboard.yaml")
	if err != nil {
		return err
	}
	url := cfg.Realtime.Endpoint()

Durations are written as Go duration strings ("10s", "500ms") in every
layer.
*/
package config
