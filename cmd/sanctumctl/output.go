package main

import (
	"encoding/json"
	"fmt"
	"os"

	"actionkit/internal/apperrors"
)

// cliResult is the CLI's JSON envelope (spec §10: "CLI dispatch emits a
// JSON {response, error?} payload; exit 0 on success, 1 on error").
type cliResult struct {
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// printResult writes the envelope to stdout and returns the process exit
// code the caller should use.
func printResult(value any, err error) int {
	result := cliResult{}
	code := 0
	if err != nil {
		code = 1
		if typed, ok := apperrors.As(err); ok {
			result.Error = fmt.Sprintf("%s: %s", typed.TypeOf, typed.Message)
		} else {
			result.Error = err.Error()
		}
	} else {
		result.Response = value
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return code
}
