package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {"type": "object"}
}`

const namesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {"type": "string"}
}`

type shape struct {
	schema *jsonschema.Schema
}

func (s shape) validate(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}
	return nil
}

type validator struct {
	records shape
	names   shape
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	schemas := map[string]string{
		"records.json": recordsSchema,
		"names.json":   namesSchema,
	}
	for name, src := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
		}
	}
	records, err := c.Compile("records.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile records schema: %w", err)
	}
	names, err := c.Compile("names.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile names schema: %w", err)
	}
	return &validator{
		records: shape{schema: records},
		names:   shape{schema: names},
	}, nil
}
