// Command sanctumctl is the CLI transport: a thin cobra/shlex front door
// that tokenizes a command line into an action name and key=value params
// and calls the same dispatch pipeline the HTTP, WebSocket, and MCP
// transports call. Grounded on the teacher's cmd/loomctl/main.go
// (cobra.Command tree, JSON-only output, persistent flags kept to a
// minimum).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCode is set by whichever subcommand ran dispatch, carrying the
// {response,error?} outcome (spec §10) past cobra's own Execute return.
var exitCode int

func main() {
	root := &cobra.Command{
		Use:   "sanctumctl",
		Short: "Invoke actionkit actions from the command line",
	}
	root.AddCommand(newCallCommand())
	root.AddCommand(newExecCommand())
	root.AddCommand(newManifestCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
