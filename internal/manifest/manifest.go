// Package manifest exports an action registry's shape as a YAML document
// and diffs two such documents for backward-incompatible removals.
// Grounded on the teacher's cmd/openapi-compat/main.go, which does the same
// thing for an OpenAPI swagger.yaml's paths/methods/response codes; here
// the "paths" are action names and the "responses" are input fields.
package manifest

import (
	"fmt"
	"sort"

	"actionkit/internal/action"
)

// Field is one action input field's externally-visible shape.
type Field struct {
	Kind     string `yaml:"kind"`
	Optional bool   `yaml:"optional"`
	Secret   bool   `yaml:"secret,omitempty"`
}

// Action is one action's externally-visible shape: enough to detect a
// breaking change (removed action, removed field, a field that became
// required) without carrying the handler closures themselves.
type Action struct {
	Description string           `yaml:"description,omitempty"`
	Fields      map[string]Field `yaml:"fields,omitempty"`
}

// Snapshot is the full registry shape, keyed by action name.
type Snapshot struct {
	Actions map[string]Action `yaml:"actions"`
}

// FromRegistry builds a Snapshot from every action currently registered.
func FromRegistry(reg *action.Registry) Snapshot {
	snap := Snapshot{Actions: make(map[string]Action)}
	for _, def := range reg.All() {
		fields := make(map[string]Field, len(def.InputSchema))
		for name, f := range def.InputSchema {
			fields[name] = Field{
				Kind:     string(f.Kind),
				Optional: f.Optional,
				Secret:   f.Secret,
			}
		}
		snap.Actions[def.Name] = Action{
			Description: def.Description,
			Fields:      fields,
		}
	}
	return snap
}

// Compare reports every change in revision that a caller of base could not
// safely ignore: a removed action, a removed field, a field that went
// from optional to required, a field whose kind changed, or a newly added
// required field. Adding an action or an optional field is not
// flagged, mirroring the teacher's compare() treating new paths/responses
// as compatible. Issues are sorted for deterministic output.
func Compare(base, revision Snapshot) []string {
	var issues []string

	for name, baseAction := range base.Actions {
		revAction, ok := revision.Actions[name]
		if !ok {
			issues = append(issues, fmt.Sprintf("removed action: %s", name))
			continue
		}

		for fieldName, baseField := range baseAction.Fields {
			revField, ok := revAction.Fields[fieldName]
			if !ok {
				issues = append(issues, fmt.Sprintf("removed field: %s.%s", name, fieldName))
				continue
			}
			if baseField.Optional && !revField.Optional {
				issues = append(issues, fmt.Sprintf("field became required: %s.%s", name, fieldName))
			}
			if baseField.Kind != revField.Kind {
				issues = append(issues, fmt.Sprintf("field kind changed: %s.%s (%s -> %s)", name, fieldName, baseField.Kind, revField.Kind))
			}
		}
		for fieldName, revField := range revAction.Fields {
			if _, existed := baseAction.Fields[fieldName]; !existed && !revField.Optional {
				issues = append(issues, fmt.Sprintf("added required field: %s.%s", name, fieldName))
			}
		}
	}

	sort.Strings(issues)
	return issues
}
