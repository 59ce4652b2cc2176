package ctlapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before decoding so a
// malformed caller gets a 400 with the schema failure instead of a zero-value
// struct silently passing through.

const createTrackingSchema = `{
	"type": "object",
	"required": ["subject", "recipient"],
	"properties": {
		"subject": {"type": "string"},
		"recipient": {"type": "string"},
		"links": {"type": "array", "items": {"type": "string"}},
		"identifier": {"type": "string", "pattern": "^[0-9a-f]{12}$"}
	},
	"additionalProperties": false
}`

const statusesSchema = `{
	"type": "object",
	"required": ["pairs"],
	"properties": {
		"pairs": {
			"type": "array",
			"maxItems": 500,
			"items": {
				"type": "object",
				"required": ["subject", "recipient"],
				"properties": {
					"subject": {"type": "string"},
					"recipient": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

const serverURLSchema = `{
	"type": "object",
	"required": ["serverUrl"],
	"properties": {
		"serverUrl": {"type": "string", "pattern": "^https?://"}
	},
	"additionalProperties": false
}`

const ignoredIPSchema = `{
	"type": "object",
	"required": ["label"],
	"properties": {
		"ip": {"type": "string"},
		"label": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

type requestSchemas struct {
	createTracking *jsonschema.Schema
	statuses       *jsonschema.Schema
	serverURL      *jsonschema.Schema
	ignoredIP      *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"mailbeacon://schemas/create-tracking.json": createTrackingSchema,
		"mailbeacon://schemas/statuses.json":        statusesSchema,
		"mailbeacon://schemas/server-url.json":      serverURLSchema,
		"mailbeacon://schemas/ignored-ip.json":      ignoredIPSchema,
	}
	for url, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	var schemas requestSchemas
	var err error
	if schemas.createTracking, err = compiler.Compile("mailbeacon://schemas/create-tracking.json"); err != nil {
		return nil, err
	}
	if schemas.statuses, err = compiler.Compile("mailbeacon://schemas/statuses.json"); err != nil {
		return nil, err
	}
	if schemas.serverURL, err = compiler.Compile("mailbeacon://schemas/server-url.json"); err != nil {
		return nil, err
	}
	if schemas.ignoredIP, err = compiler.Compile("mailbeacon://schemas/ignored-ip.json"); err != nil {
		return nil, err
	}
	return &schemas, nil
}

func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	return schema.Validate(inst)
}
