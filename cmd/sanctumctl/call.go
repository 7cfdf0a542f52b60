package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newCallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <action> [key=value ...]",
		Short: "Invoke an action through the same dispatch pipeline HTTP/WS use",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), args[0], args[1:])
		},
	}
}

// runCall invokes actionName with kvArgs and prints the {response,error?}
// envelope, setting exitCode for main to return on process exit (spec §10:
// exit 0 on success, 1 on error).
func runCall(ctx context.Context, actionName string, kvArgs []string) error {
	raw, err := parseKVArgs(kvArgs)
	if err != nil {
		exitCode = printResult(nil, err)
		return nil
	}

	rt, err := newCLIRuntime(ctx)
	if err != nil {
		exitCode = printResult(nil, err)
		return nil
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.teardown(teardownCtx)
	}()

	resp, err := rt.dispatcher.Dispatch(ctx, newCLIConn(), actionName, raw, "CLI", actionName)
	exitCode = printResult(resp.Value, err)
	return nil
}
