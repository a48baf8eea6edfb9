package runbooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Schema is the JSON schema every runbook document must satisfy
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "title", "incident_types", "steps"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "version": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "category": {"type": "string"},
    "owner": {"type": "string"},
    "incident_types": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "severities": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[Pp][1-4]$"}
    },
    "context": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "prerequisites": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string"},
          "required": {"type": "boolean"},
          "check_cmd": {"type": "string"}
        }
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "number": {"type": "integer", "minimum": 1},
          "action": {"type": "string", "minLength": 1},
          "command": {"type": "string"},
          "expected": {"type": "string"},
          "warning": {"type": "string"},
          "timeout": {"type": "string"},
          "automated": {"type": "boolean"}
        }
      }
    },
    "rollback": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "number": {"type": "integer", "minimum": 1},
          "condition": {"type": "string"},
          "action": {"type": "string"},
          "command": {"type": "string"}
        }
      }
    },
    "references": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "url"],
        "properties": {
          "title": {"type": "string"},
          "url": {"type": "string"},
          "type": {"type": "string"}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// LoadDir reads every .yaml and .yml file in dir, in name order
func LoadDir(dir string) ([]Runbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read runbook directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isRunbookFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Runbook
	for _, name := range names {
		rbs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, rbs...)
	}
	return out, nil
}

func isRunbookFile(name string) bool {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(base, ".")
}

// LoadFile reads one file, which may hold several YAML documents
func LoadFile(path string) ([]Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runbook file: %w", err)
	}
	rbs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range rbs {
		rbs[i].Source = path
	}
	return rbs, nil
}

// Parse decodes and schema-validates YAML runbook documents
func Parse(data []byte) ([]Runbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var out []Runbook
	for doc := 1; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: parse yaml: %w", doc, err)
		}

		var raw any
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if raw == nil {
			continue
		}
		if err := validateSchema(raw); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}

		var rb Runbook
		if err := node.Decode(&rb); err != nil {
			return nil, fmt.Errorf("document %d: decode runbook: %w", doc, err)
		}
		if err := rb.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		out = append(out, rb)
	}
	return out, nil
}

func validateSchema(doc any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		errors := make([]string, 0, len(result.Errors()))
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}
