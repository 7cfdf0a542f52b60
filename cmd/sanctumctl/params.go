package main

import (
	"fmt"
	"strings"

	"actionkit/internal/action"
)

// parseKVArgs turns a flat "key=value" argument list into a RawParams
// multimap, appending to a key already seen instead of overwriting it
// (spec §9: "repeats collapse to a list").
func parseKVArgs(args []string) (*action.RawParams, error) {
	raw := action.NewRawParams()
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not in key=value form", arg)
		}
		raw.Add(key, value)
	}
	return raw, nil
}
