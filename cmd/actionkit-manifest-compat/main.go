// Command actionkit-manifest-compat checks two action-manifest YAML
// snapshots (produced by "sanctumctl manifest") for backward-incompatible
// changes. Grounded on the teacher's cmd/openapi-compat/main.go, which does
// the same base/revision diff for an OpenAPI swagger.yaml.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"actionkit/internal/manifest"
)

func main() {
	basePath := flag.String("base", "", "base manifest YAML path")
	revisionPath := flag.String("revision", "", "revision manifest YAML path")
	flag.Parse()

	if strings.TrimSpace(*basePath) == "" || strings.TrimSpace(*revisionPath) == "" {
		fmt.Fprintln(os.Stderr, "usage: actionkit-manifest-compat -base <path> -revision <path>")
		os.Exit(2)
	}

	base, err := loadSnapshot(*basePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base manifest: %v\n", err)
		os.Exit(1)
	}
	revision, err := loadSnapshot(*revisionPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load revision manifest: %v\n", err)
		os.Exit(1)
	}

	issues := manifest.Compare(base, revision)
	if len(issues) > 0 {
		fmt.Fprintln(os.Stderr, "backward compatibility check failed:")
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "- %s\n", issue)
		}
		os.Exit(1)
	}

	fmt.Println("action manifest compatibility check passed")
}

func loadSnapshot(path string) (manifest.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest.Snapshot{}, err
	}

	var snap manifest.Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return manifest.Snapshot{}, err
	}
	return snap, nil
}
