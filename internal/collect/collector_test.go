package collect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/model"
)

func TestHashPayload(t *testing.T) {
	h := HashPayload([]byte(`{"apn":"101-01-001A"}`))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashPayload([]byte(`{"apn":"101-01-001A"}`)))
	assert.NotEqual(t, h, HashPayload([]byte(`{"apn":"101-01-001B"}`)))
}

func TestNewRawPayload(t *testing.T) {
	data := []byte(`<html>listing</html>`)
	p := NewRawPayload(model.SourcePhoenixMLS, "/homedetails/1", ContentHTML, data)

	require.NotNil(t, p)
	assert.Equal(t, model.SourcePhoenixMLS, p.Source)
	assert.Equal(t, "/homedetails/1", p.ExternalID)
	assert.Equal(t, ContentHTML, p.ContentKind)
	assert.Equal(t, data, p.Data)
	assert.Equal(t, HashPayload(data), p.Hash)
	assert.False(t, p.CollectedAt.IsZero())
	assert.Equal(t, p.CollectedAt, p.CollectedAt.UTC())
}
