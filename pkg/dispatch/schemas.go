package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

const schemaBase = "https://helm.schemas.local/instructions/args/"

// draftSchema types the fields of an entry draft. Enum membership and
// ranges are left to governance so lax mode can coerce them.
const draftSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"title": {"type": "string"},
		"body": {"type": "string"},
		"rationale": {"type": "string"},
		"priority": {"type": "integer"},
		"audience": {"type": "string"},
		"requirement": {"type": "string"},
		"categories": {"type": ["array", "null"], "items": {"type": "string"}},
		"owner": {"type": "string"},
		"version": {"type": "string"},
		"priorityTier": {"type": "string"},
		"status": {"type": "string"},
		"classification": {"type": "string"},
		"semanticSummary": {"type": "string"},
		"lastReviewedAt": {"type": "string", "format": "date-time"},
		"nextReviewDue": {"type": "string", "format": "date-time"}
	}
}`

var argSchemas = map[Action]string{
	ActionList: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"filter": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"category": {"type": "string"},
					"audience": {"type": "string"},
					"requirement": {"type": "string"},
					"priorityTier": {"type": "string"},
					"status": {"type": "string"},
					"owner": {"type": "string"}
				}
			},
			"expr": {"type": "string"},
			"expectId": {"type": "string"},
			"debug": {"type": "boolean"}
		}
	}`,
	ActionGet: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["id"],
		"properties": {"id": {"type": "string", "minLength": 1}}
	}`,
	ActionAdd: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["entry"],
		"properties": {
			"entry": ` + draftSchema + `,
			"overwrite": {"type": "boolean"},
			"lax": {"type": "boolean"}
		}
	}`,
	ActionRemove: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		},
		"oneOf": [{"required": ["id"]}, {"required": ["ids"]}]
	}`,
	ActionImport: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["entries"],
		"properties": {
			"entries": {"type": "array", "items": ` + draftSchema + `},
			"mode": {"enum": ["skip", "overwrite"]},
			"lax": {"type": "boolean"}
		}
	}`,
	ActionExport: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"ids": {"type": "array", "items": {"type": "string"}},
			"metaOnly": {"type": "boolean"}
		}
	}`,
	ActionDiff: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {"hash": {"type": "string"}}
	}`,
	ActionGovernanceUpdate: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"owner": {"type": "string"},
			"status": {"type": "string"},
			"priorityTier": {"type": "string"},
			"classification": {"type": "string"},
			"bump": {"type": "string"},
			"reviewed": {"type": "boolean"}
		}
	}`,
	ActionCapabilities: `{"type": "object"}`,
	ActionSearch: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["query"],
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer", "minimum": 0}
		}
	}`,
	ActionListScoped: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"workspace": {"type": "string"},
			"audience": {"enum": ["individual", "group", "all"]}
		}
	}`,
	ActionGateRequest: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {"rationale": {"type": "string"}}
	}`,
	ActionGateConfirm: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["token"],
		"properties": {"token": {"type": "string", "minLength": 1}}
	}`,
	ActionGateStatus:     `{"type": "object"}`,
	ActionGovernanceHash: `{"type": "object"}`,
	ActionReload:         `{"type": "object"}`,
	ActionHistory: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {"limit": {"type": "integer", "minimum": 1, "maximum": 1000}}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[Action]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[Action]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		out := make(map[Action]*jsonschema.Schema, len(argSchemas))
		for action, src := range argSchemas {
			url := schemaBase + string(action) + ".json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemasErr = fmt.Errorf("dispatch: add schema %s: %w", action, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("dispatch: compile schema %s: %w", action, err)
				return
			}
			out[action] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// decodeArgs validates raw against the action's schema and decodes it into
// A. Missing args decode as an empty object.
func decodeArgs[A any](action Action, raw json.RawMessage) (A, error) {
	var args A
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return args, callerError(CodeInvalidArguments, "args must be a JSON object", "malformed args: %v", err)
	}
	all, err := compiledSchemas()
	if err != nil {
		return args, err
	}
	if s, ok := all[action]; ok {
		if err := s.Validate(doc); err != nil {
			var ve *jsonschema.ValidationError
			msg := err.Error()
			if errors.As(err, &ve) {
				msg = instruction.SchemaMessage(ve)
			}
			return args, callerError(CodeInvalidArguments, msg, "invalid args for %s", action)
		}
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, callerError(CodeInvalidArguments, "check argument types", "invalid args for %s: %v", action, err)
	}
	return args, nil
}
