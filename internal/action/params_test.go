package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/apperrors"
)

func TestRawParamsSetLastWins(t *testing.T) {
	p := NewRawParams()
	p.Set("k", "first")
	p.Set("k", "second")
	assert.Equal(t, "second", p.view()["k"])
}

func TestRawParamsAddCollapsesToList(t *testing.T) {
	p := NewRawParams()
	p.Add("k", "1")
	p.Add("k", "2")
	assert.Equal(t, []any{"1", "2"}, p.view()["k"])
}

func TestValidateMissingRequiredField(t *testing.T) {
	schema := InputSchema{
		"name":     {Kind: KindString},
		"email":    {Kind: KindString},
		"password": {Kind: KindString},
	}
	raw := NewRawParams()
	raw.Set("name", "t")
	raw.Set("email", "t@t")

	_, err := Validate(schema, raw)
	require.Error(t, err)
	typed, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ConnectionParamRequired, typed.TypeOf)
	assert.Equal(t, "password", typed.Key)
}

func TestValidateAppliesDefaultForMissingOptional(t *testing.T) {
	schema := InputSchema{
		"limit": {Kind: KindInt, Optional: true, Default: 10},
	}
	raw := NewRawParams()
	out, err := Validate(schema, raw)
	require.NoError(t, err)
	assert.Equal(t, 10, out["limit"])
}

func TestValidateCoercesIntFromString(t *testing.T) {
	schema := InputSchema{"age": {Kind: KindInt}}
	raw := NewRawParams()
	raw.Set("age", "42")
	out, err := Validate(schema, raw)
	require.NoError(t, err)
	assert.Equal(t, 42, out["age"])
}

func TestValidateRejectsBadInt(t *testing.T) {
	schema := InputSchema{"age": {Kind: KindInt}}
	raw := NewRawParams()
	raw.Set("age", "not-a-number")
	_, err := Validate(schema, raw)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ConnectionParamValidation))
}

func TestValidateListFieldAcceptsRepeatsAndSingleton(t *testing.T) {
	schema := InputSchema{"tags": {Kind: KindList}}

	raw1 := NewRawParams()
	raw1.Add("tags", "a")
	raw1.Add("tags", "b")
	out1, err := Validate(schema, raw1)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out1["tags"])

	raw2 := NewRawParams()
	raw2.Set("tags", "solo")
	out2, err := Validate(schema, raw2)
	require.NoError(t, err)
	assert.Equal(t, []any{"solo"}, out2["tags"])
}
