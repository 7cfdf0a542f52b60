package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"actionkit/internal/manifest"
)

func newManifestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest",
		Short: "Print the registered action set as a YAML manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(cmd.Context())
		},
	}
}

// runManifest exports the builtin action registry's shape as YAML, the
// format a later "sanctumctl manifest" run (or a CI job comparing two
// checked-in snapshots with actionkit-manifest-compat) diffs against to
// catch a removed action or a field that became required.
func runManifest(ctx context.Context) error {
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

	snap := manifest.FromRegistry(rt.actions)
	out, err := yaml.Marshal(snap)
	if err != nil {
		exitCode = printResult(nil, fmt.Errorf("sanctumctl: encode manifest: %w", err))
		return nil
	}

	os.Stdout.Write(out)
	exitCode = 0
	return nil
}
