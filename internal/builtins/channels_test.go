package builtins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/conn"
	"actionkit/internal/realtime"
)

func TestLobbyChannelMatchesWildcardAndAuthorizesAnyConnection(t *testing.T) {
	registry := realtime.NewRegistry()
	for _, def := range Channels() {
		registry.Register(def)
	}

	def, ok := registry.Find("lobby:general")
	require.True(t, ok)
	assert.NoError(t, def.Authorize("lobby:general", conn.New(conn.TypeWebsocket, "1.2.3.4")))

	_, ok = registry.Find("other:thing")
	assert.False(t, ok)
}
