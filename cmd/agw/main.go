package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vburojevic/agw/internal/cli"
	"github.com/vburojevic/agw/internal/config"
)

const quickStart = `agw - agent session watcher and auto-resumer

Quick start:
  agw watch                             Watch sessions and auto-resume
  agw watch --dry-run                   Classify and audit without resuming
  agw audit -t resume_attempt           Show recent resume attempts

For help:
  agw --help                            All commands and flags
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	var c cli.CLI

	ctx := kong.Parse(&c,
		kong.Name("agw"),
		kong.Description("Watch AI coding agent sessions, classify why they stop and resume them automatically"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	// Load configuration from files/environment; an explicit -c wins.
	var (
		cfg *config.Config
		err error
	)
	if c.Config != "" {
		cfg, err = config.LoadFromFile(c.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config %s: %v\n", c.Config, err)
			os.Exit(1)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
			cfg = config.Default()
		}
	}

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
