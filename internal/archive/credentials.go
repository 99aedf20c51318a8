package archive

import (
	"fmt"
	"os"
	"strings"

	"github.com/subosito/gotenv"
)

const (
	DefaultAPIKeyName = "trello_api_key"
	DefaultTokenName  = "trello_token"
)

type Credentials struct {
	APIKey string
	Token  string
	Values map[string]string
}

// LoadCredentials reads a dotenv-style KEY=VALUE file. Blank lines and
// lines starting with # are ignored and any malformed line is an error.
// Empty names fall back to the defaults.
func LoadCredentials(path, apiKeyName, tokenName string) (Credentials, error) {
	if strings.TrimSpace(apiKeyName) == "" {
		apiKeyName = DefaultAPIKeyName
	}
	if strings.TrimSpace(tokenName) == "" {
		tokenName = DefaultTokenName
	}
	file, err := os.Open(path)
	if err != nil {
		return Credentials{}, err
	}
	defer file.Close()

	env, err := gotenv.StrictParse(file)
	if err != nil {
		return Credentials{}, fmt.Errorf("%s: %w", path, err)
	}
	values := make(map[string]string, len(env))
	for key, value := range env {
		values[key] = strings.TrimSpace(value)
	}

	creds := Credentials{APIKey: values[apiKeyName], Token: values[tokenName], Values: values}
	var missing []string
	if creds.APIKey == "" {
		missing = append(missing, apiKeyName)
	}
	if creds.Token == "" {
		missing = append(missing, tokenName)
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%s: missing %s", path, strings.Join(missing, ", "))
	}
	return creds, nil
}
