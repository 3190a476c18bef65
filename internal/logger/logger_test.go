package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields(t *testing.T) {
	var buf bytes.Buffer
	log := FromWriter(&buf).With("component", "test")

	log.Warn("partition degraded", "chateau", "metro", "error", errors.New("no responders"), "dangling")

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "warn", got["level"])
	assert.Equal(t, "partition degraded", got["message"])
	assert.Equal(t, "metro", got["chateau"])
	assert.Equal(t, "test", got["component"])
	assert.Equal(t, "no responders", got["error"])
	assert.NotContains(t, got, "dangling")
}
