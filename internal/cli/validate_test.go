package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportFixture = `[
  {
    "timestamp": "2021-03-02T18:00:00",
    "category": "blog",
    "title": "Second",
    "body": "two <$image id=\"7\"$>",
    "source": "archive",
    "keys": [{"key": "Event ID", "value": "3"}],
    "media": [{"id": 7, "path": "img/a.jpg", "description": "A caption", "order": 0}]
  },
  {
    "timestamp": "2021-03-01 09:00:00",
    "category": "blog",
    "title": "First",
    "body": "one"
  },
  {
    "timestamp": "1995-06-03T12:00:00",
    "title": "Old"
  }
]`

func writeExport(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(path, []byte(exportFixture), 0o644))
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateText(t *testing.T) {
	output, err := runRoot(t, "validate", writeExport(t, t.TempDir()))
	require.NoError(t, err)
	assert.Contains(t, output, "3 events valid, 1 media")
	assert.Contains(t, output, "range: 1995-06-03T12:00:00 .. 2021-03-02T18:00:00")
	assert.Contains(t, output, "Out with the Old 1990s Edition: 1")
	assert.Contains(t, output, "Out with the Old 2021 Edition: 2")
}

func TestValidateJSON(t *testing.T) {
	output, err := runRoot(t, "--format", "json", "validate", writeExport(t, t.TempDir()))
	require.NoError(t, err)

	var result ValidationResult
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Events)
	assert.Equal(t, []string{"Out with the Old 1990s Edition", "Out with the Old 2021 Edition"}, result.Boards)
}

func TestValidateRejectsInvalidExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"title": "no timestamp"}]`), 0o644))

	output, err := runRoot(t, "--format", "json", "validate", path)
	require.Error(t, err)

	var result ValidationResult
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)
}

func TestValidateRequiresPath(t *testing.T) {
	_, err := runRoot(t, "validate")
	assert.Error(t, err)
}
