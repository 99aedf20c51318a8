package archive

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const exportSchemaURL = "https://relayboard.dev/schema/events.json"

//go:embed schema/events.schema.json
var exportSchemaJSON []byte

var (
	ErrInvalidExport = errors.New("invalid event export")

	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(exportSchemaJSON))
		if err != nil {
			exportSchemaErr = fmt.Errorf("parse export schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(exportSchemaURL, doc); err != nil {
			exportSchemaErr = fmt.Errorf("register export schema: %w", err)
			return
		}
		exportSchema, exportSchemaErr = compiler.Compile(exportSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// ValidateJSON checks an export document against the embedded schema.
func ValidateJSON(data []byte) error {
	schema, err := compiledExportSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	return nil
}

// LoadJSON reads and validates an event export. Events come back in file
// order; SortEvents orders them.
func LoadJSON(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(data)
}

func DecodeJSON(data []byte) ([]Event, error) {
	if err := ValidateJSON(data); err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	return events, nil
}
