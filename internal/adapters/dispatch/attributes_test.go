package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
)

func TestTransformValueMap(t *testing.T) {
	cfg := `{"mappings": {"ACTIVE": "A", "null": "N"}, "defaultValue": "U"}`

	out, err := transformValueMap("ACTIVE", cfg)
	require.NoError(t, err)
	assert.Equal(t, "A", out)

	out, err = transformValueMap("PAUSED", cfg)
	require.NoError(t, err)
	assert.Equal(t, "U", out)

	out, err = transformValueMap(nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, "N", out)

	out, err = transformValueMap("PAUSED", `{"mappings": {}}`)
	require.NoError(t, err)
	assert.Equal(t, "PAUSED", out)

	_, err = transformValueMap("PAUSED", `{"mappings": {}, "strictMode": true}`)
	assert.Error(t, err)

	_, err = transformValueMap("x", `nope`)
	assert.Error(t, err)
}

func TestTransformDate(t *testing.T) {
	out, err := transformDate("2024-03-09T14:05:00", `{"inputFormat": "yyyy-MM-dd'T'HH:mm:ss", "outputFormat": "dd MMM yyyy HH:mm"}`)
	require.NoError(t, err)
	assert.Equal(t, "09 Mar 2024 14:05", out)

	out, err = transformDate("2024-03-09", `{"inputFormat": "2006-01-02", "outputFormat": "02.01.2006"}`)
	require.NoError(t, err)
	assert.Equal(t, "09.03.2024", out)

	_, err = transformDate("09/03/2024", `{"inputFormat": "yyyy-MM-dd", "outputFormat": "dd/MM/yyyy"}`)
	assert.Error(t, err)

	_, err = transformDate("2024-03-09", `{"inputFormat": "yyyy-MM-dd"}`)
	assert.Error(t, err)
}

func TestTransformString(t *testing.T) {
	out, err := transformString("42", `{"format": "ORD-{value}"}`)
	require.NoError(t, err)
	assert.Equal(t, "ORD-42", out)

	out, err = transformString("42", `id=%s`)
	require.NoError(t, err)
	assert.Equal(t, "id=42", out)
}

func TestExtractAttributesSkipsOptionalMissing(t *testing.T) {
	req, err := extractAttributes(`{"a": {"b": "c"}}`, []domain.AttributeMapping{
		{SourcePath: "/a/b", TargetField: "b", Location: domain.LocationHeader},
		{SourcePath: "/a/z", TargetField: "z", Location: domain.LocationHeader},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, req.count)
	assert.Equal(t, map[string]string{"b": "c"}, req.headers)
}

func TestExtractAttributesRejectsInvalidDocument(t *testing.T) {
	_, err := extractAttributes(`{broken`, nil)
	assert.True(t, domain.IsTaskExecutionError(err))
}
