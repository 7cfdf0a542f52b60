package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSinkRedirectsOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, JSONFormat)
	l.Info("hello")
	assert.Contains(t, buf.String(), "hello")

	firstLen := buf.Len()
	var buf2 bytes.Buffer
	l.SetSink(&buf2)
	l.Info("world")
	assert.Equal(t, firstLen, buf.Len(), "original sink must not receive further writes")
	assert.Contains(t, buf2.String(), "world")
	assert.NotContains(t, buf2.String(), "hello")
}

func TestSanitizeRedactsSecretFields(t *testing.T) {
	params := map[string]any{"name": "t", "password": "hunter2"}
	secret := map[string]bool{"password": true}

	out := Sanitize(params, secret)
	assert.Equal(t, "t", out["name"])
	assert.Equal(t, Secret, out["password"])
	assert.Equal(t, "hunter2", params["password"], "original map must not be mutated")
}

func TestLogDispatchEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, JSONFormat)

	l.LogDispatch(context.Background(), DispatchRecord{
		Action:         "user:create",
		ConnectionType: "web",
		Status:         "OK",
		DurationMS:     12,
		Params:         map[string]any{"name": "t"},
	})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "user:create", decoded["action"])
	assert.Equal(t, "OK", decoded["status"])
}
