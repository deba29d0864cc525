package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/collect"
)

func TestParseBatchLine(t *testing.T) {
	cases := []struct {
		in   string
		want collect.Query
	}{
		{"zip:85031", collect.Query{Zip: "85031"}},
		{"apn:101-01-001A", collect.Query{APN: "101-01-001A"}},
		{"url:https://mls.example.com/homedetails/1/", collect.Query{URL: "https://mls.example.com/homedetails/1/"}},
		{"https://mls.example.com/homedetails/2/", collect.Query{URL: "https://mls.example.com/homedetails/2/"}},
		{"85033", collect.Query{Zip: "85033"}},
		{"  zip:85031  ", collect.Query{Zip: "85031"}},
	}
	for _, c := range cases {
		got, err := parseBatchLine(c.in)
		require.NoError(t, err, "line %q", c.in)
		assert.Equal(t, c.want, got, "line %q", c.in)
	}

	for _, bad := range []string{"8503", "parcel:123", "just words"} {
		_, err := parseBatchLine(bad)
		assert.Error(t, err, "line %q", bad)
	}
}

func TestReadBatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.txt")
	content := "# weekly zips\nzip:85031\n\n85033\napn:101-01-001A\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	queries, err := readBatchFile(path)
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Equal(t, "85031", queries[0].Zip)
	assert.Equal(t, "85033", queries[1].Zip)
	assert.Equal(t, "101-01-001A", queries[2].APN)
}

func TestReadBatchFileBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.txt")
	require.NoError(t, os.WriteFile(path, []byte("nonsense line\n"), 0o600))

	_, err := readBatchFile(path)
	assert.Error(t, err)
}

func TestCountSet(t *testing.T) {
	assert.Equal(t, 0, countSet("", ""))
	assert.Equal(t, 1, countSet("85031", ""))
	assert.Equal(t, 2, countSet("85031", "", "url"))
}
