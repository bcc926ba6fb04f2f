package configschema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesValidJSONSchema(t *testing.T) {
	data, err := Generate()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, "https://json-schema.org/draft/2020-12/schema", doc["$schema"])
	assert.Equal(t, DefaultSchemaPath, doc["$id"])
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, false, doc["additionalProperties"])

	properties, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"executable", "args", "env", "manifest", "command", "policy", "$schema"} {
		assert.Contains(t, properties, field)
	}
}

func TestGenerateNestedManifestEntrySchema(t *testing.T) {
	data, err := Generate()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	properties := doc["properties"].(map[string]any)
	manifest := properties["manifest"].(map[string]any)
	manifestProps := manifest["properties"].(map[string]any)

	entries, ok := manifestProps["entries"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "array", entries["type"])

	items := entries["items"].(map[string]any)
	itemProps := items["properties"].(map[string]any)
	assert.Contains(t, itemProps, "path")
	assert.Contains(t, itemProps, "allowRead")
}
