package cli

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/vburojevic/agw/internal/config"
)

// CLI is the root command tree.
type CLI struct {
	Config  string `short:"c" help:"Path to config file (overrides discovery)"`
	Format  string `short:"f" enum:"auto,text,json" default:"auto" help:"Output format: auto, text or json"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`
	Verbose bool   `short:"v" help:"Enable verbose debug logging"`

	Watch   WatchCmd   `cmd:"" help:"Watch agent sessions and auto-resume stopped work"`
	Audit   AuditCmd   `cmd:"" help:"Query the resume audit log"`
	Backups BackupsCmd `cmd:"" help:"List backups for a session file"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// Globals carries per-invocation context into every command.
type Globals struct {
	Config  *config.Config
	Format  string
	Quiet   bool
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewGlobalsWithConfig builds globals from parsed flags plus loaded config.
// Flags win over config file values.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	g := &Globals{
		Config:  cfg,
		Format:  c.Format,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	// Piped output defaults to machine-readable JSON.
	if c.Format == "auto" {
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			g.Format = "text"
		} else {
			g.Format = "json"
		}
	}
	return g
}

// JSON reports whether output should be machine-readable.
func (g *Globals) JSON() bool {
	return g.Format == "json"
}
