package instruction

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/entry.schema.json
var entrySchemaJSON string

const entrySchemaURL = "https://helm.schemas.local/instructions/entry.schema.json"

// RequiredFields must be present in every stored record. The id is derived
// from the file name when absent.
var RequiredFields = []string{"title", "body", "version", "priority", "audience", "requirement"}

var (
	// ErrParse means the bytes are not a JSON object.
	ErrParse = errors.New("parse error")
	// ErrMissingField means a required field is absent or empty.
	ErrMissingField = errors.New("missing required field")
	// ErrSchema means the record does not conform to the entry schema.
	ErrSchema = errors.New("schema mismatch")
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func entrySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(entrySchemaURL, strings.NewReader(entrySchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("instruction: add schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile(entrySchemaURL)
	})
	return schema, schemaErr
}

// Decode parses a stored record. fileID is the id implied by the file name;
// a record without an id adopts it and a record with a different id is a
// schema mismatch. Returned errors wrap ErrParse, ErrMissingField or
// ErrSchema.
func Decode(data []byte, fileID string) (*Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: record is null", ErrParse)
	}

	id, _ := raw["id"].(string)
	switch {
	case id == "":
		raw["id"] = fileID
	case fileID != "" && id != fileID:
		return nil, fmt.Errorf("%w: id %q does not match file name %q", ErrSchema, id, fileID)
	}

	var missing []string
	for _, f := range RequiredFields {
		v, ok := raw[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	if err := validateRaw(raw); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var e Entry
	if err := json.Unmarshal(normalized, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &e, nil
}

// Validate checks a fully populated entry against the entry schema before it
// is persisted.
func Validate(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return validateRaw(raw)
}

func validateRaw(raw map[string]any) error {
	s, err := entrySchema()
	if err != nil {
		return err
	}
	if err := s.Validate(raw); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrSchema, SchemaMessage(ve))
		}
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// SchemaMessage returns the most specific cause of a validation failure,
// which reads better in a trace or hint than the full tree.
func SchemaMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}
