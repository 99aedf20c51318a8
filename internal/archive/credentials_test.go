package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredentials(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api_keys_and_tokens.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCredentials(t *testing.T) {
	path := writeCredentials(t, "# kanban access\n\ntrello_api_key=abc\ntrello_token = t=k\nextra=1\n")
	creds, err := LoadCredentials(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.APIKey)
	assert.Equal(t, "t=k", creds.Token)
	assert.Equal(t, "1", creds.Values["extra"])
}

func TestLoadCredentialsQuotedValues(t *testing.T) {
	path := writeCredentials(t, "trello_api_key=\"abc\"\ntrello_token='t k'\n")
	creds, err := LoadCredentials(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.APIKey)
	assert.Equal(t, "t k", creds.Token)
}

func TestLoadCredentialsEmptyValueIsMissing(t *testing.T) {
	_, err := LoadCredentials(writeCredentials(t, "trello_api_key=\ntrello_token=t\n"), "", "")
	assert.ErrorContains(t, err, "missing trello_api_key")
}

func TestLoadCredentialsCustomNames(t *testing.T) {
	path := writeCredentials(t, "KEY=k\nTOKEN=t\n")
	creds, err := LoadCredentials(path, "KEY", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "k", creds.APIKey)
	assert.Equal(t, "t", creds.Token)
}

func TestLoadCredentialsErrors(t *testing.T) {
	_, err := LoadCredentials(writeCredentials(t, "trello_api_key=abc\n"), "", "")
	assert.ErrorContains(t, err, "missing trello_token")

	_, err = LoadCredentials(writeCredentials(t, "trello_api_key\n"), "", "")
	assert.ErrorContains(t, err, "doesn't match format")

	_, err = LoadCredentials(filepath.Join(t.TempDir(), "absent"), "", "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
