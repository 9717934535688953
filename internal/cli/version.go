package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// VersionCmd prints build information.
type VersionCmd struct{}

// Run prints the version.
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.JSON() {
		b, _ := json.Marshal(map[string]string{
			"version": Version,
			"commit":  Commit,
			"date":    Date,
			"go":      runtime.Version(),
		})
		fmt.Fprintln(globals.Stdout, string(b))
		return nil
	}
	fmt.Fprintf(globals.Stdout, "agw %s (commit %s, built %s, %s)\n", Version, Commit, Date, runtime.Version())
	return nil
}
