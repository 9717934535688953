package cli

import (
	"encoding/json"
	"errors"
	"fmt"
)

// outputErrorCommon normalizes error emission across commands, keeping JSON
// output machine-readable for agents driving this tool.
func outputErrorCommon(globals *Globals, code, message string) error {
	if globals != nil && globals.JSON() {
		payload := map[string]string{"type": "error", "code": code, "message": message}
		b, _ := json.Marshal(payload)
		fmt.Fprintln(globals.Stdout, string(b))
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s\n", code, message)
	}
	return errors.New(message)
}
