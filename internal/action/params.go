package action

import (
	"fmt"
	"strconv"

	"actionkit/internal/apperrors"
)

// RawParams is the semantic multimap param ingress (spec §9): an ordered
// sequence of (key, value) pairs. A single occurrence of a key collapses to a
// scalar; repeats collapse to a list. HTTP path captures, body fields, and
// query-string pairs are all folded into one RawParams before validation
// (spec §4.8: captures before body, body before query; last wins for set,
// append for repeated — callers build RawParams in that order via Set/Add).
type RawParams struct {
	order []string
	pairs map[string][]any
}

// NewRawParams returns an empty multimap.
func NewRawParams() *RawParams {
	return &RawParams{pairs: make(map[string][]any)}
}

// Set replaces any existing values for key with a single value ("last wins").
func (p *RawParams) Set(key string, value any) {
	if _, exists := p.pairs[key]; !exists {
		p.order = append(p.order, key)
	}
	p.pairs[key] = []any{value}
}

// Add appends value to key, turning a scalar into a list on the second call.
func (p *RawParams) Add(key string, value any) {
	if _, exists := p.pairs[key]; !exists {
		p.order = append(p.order, key)
	}
	p.pairs[key] = append(p.pairs[key], value)
}

// view collapses the multimap into scalar-or-list values per key.
func (p *RawParams) view() map[string]any {
	out := make(map[string]any, len(p.pairs))
	for _, k := range p.order {
		vs := p.pairs[k]
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out
}

// Validate coalesces rawParams through schema, per spec §4.3 step 3.
func Validate(schema InputSchema, raw *RawParams) (map[string]any, error) {
	view := raw.view()
	out := make(map[string]any, len(schema))

	for name, field := range schema {
		val, present := view[name]
		if !present {
			if field.Optional {
				if field.Default != nil {
					out[name] = field.Default
				}
				continue
			}
			return nil, apperrors.New(apperrors.ConnectionParamRequired, fmt.Sprintf("missing required field %q", name)).
				WithKeyValue(name, nil)
		}
		coerced, err := coerce(field.Kind, val)
		if err != nil {
			return nil, apperrors.New(apperrors.ConnectionParamValidation, err.Error()).
				WithKeyValue(name, val)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerce(kind FieldKind, val any) (any, error) {
	switch kind {
	case KindList:
		if list, ok := val.([]any); ok {
			return list, nil
		}
		return []any{val}, nil
	case KindString:
		switch v := val.(type) {
		case string:
			return v, nil
		case []any:
			return nil, fmt.Errorf("expected a single string value, got a list")
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case KindInt:
		return coerceInt(val)
	case KindFloat:
		return coerceFloat(val)
	case KindBool:
		return coerceBool(val)
	default:
		return val, nil
	}
}

func coerceInt(val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func coerceFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func coerceBool(val any) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("expected a boolean, got %q", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}
