package main

import (
	"fmt"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec \"<action> key=value ...\"",
		Short: "Tokenize and run a single action-invocation line, for scripting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := shlex.Split(args[0])
			if err != nil {
				return fmt.Errorf("sanctumctl exec: tokenizing %q: %w", args[0], err)
			}
			if len(fields) == 0 {
				return fmt.Errorf("sanctumctl exec: empty invocation")
			}
			return runCall(cmd.Context(), fields[0], fields[1:])
		},
	}
}
