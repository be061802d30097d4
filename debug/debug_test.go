package debug

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, false)
	t.Cleanup(Disable)

	Disable()
	logger := For("relay")
	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	Enable()
	logger = For("relay")
	logger.Debug().Msg("shown")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay", line["component"])
	assert.Equal(t, "shown", line["message"])

	buf.Reset()
	require.NoError(t, SetLevel("warn"))
	assert.False(t, Debug)
	logger = Logger()
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	assert.Error(t, SetLevel("loud"))
}
