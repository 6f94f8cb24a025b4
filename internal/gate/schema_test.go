package gate_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/internal/gate"
)

func TestSchemaIsValidJSON(t *testing.T) {
	b, err := gate.Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Contains(t, doc, "$schema")
}

func TestSchemaDescribesGateShape(t *testing.T) {
	b, err := gate.Schema()
	require.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, "initial_status")
	assert.Contains(t, s, "message_template")
	assert.Contains(t, s, "deny", "verdict enum must be present")
}
