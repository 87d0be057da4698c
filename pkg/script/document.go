package script

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/harunnryd/callscript/pkg/errorsx"
)

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "states"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "initial_state": {"type": "string"},
    "content_pack": {"type": "string"},
    "meta_markers": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "states": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "line"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "line": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, schemaErr = compiler.Compile([]byte(documentSchema))
	})
	return schema, schemaErr
}

// Document is a call script loaded from disk.
type Document struct {
	Script *Script
	// ContentPack is the persona and guidance text placed ahead of the
	// JSON instruction in the LLM system prompt.
	ContentPack string
	MetaMarkers []string
	// Digest is the sha256 of the canonical (RFC 8785) JSON form.
	Digest string
}

type documentFile struct {
	Name         string   `json:"name"`
	InitialState string   `json:"initial_state"`
	ContentPack  string   `json:"content_pack"`
	MetaMarkers  []string `json:"meta_markers"`
	States       []State  `json:"states"`
}

// LoadDocument reads a YAML or JSON script file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read script: %w", err), errorsx.ReasonScriptInvalidDocument)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ParseDocument(data, ext == ".yaml" || ext == ".yml")
}

// ParseDocument validates and decodes a script document.
func ParseDocument(data []byte, isYAML bool) (*Document, error) {
	raw := data
	if isYAML {
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("script yaml: %w", err), errorsx.ReasonScriptInvalidDocument)
		}
		raw = converted
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile script schema: %w", err)
	}
	if result := sch.ValidateJSON(raw); !result.IsValid() {
		return nil, errorsx.Wrap(fmt.Errorf("script schema validation failed: %v", result.Errors), errorsx.ReasonScriptSchemaViolation)
	}

	var file documentFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode script: %w", err), errorsx.ReasonScriptInvalidDocument)
	}
	sc, err := New(file.Name, file.InitialState, file.States)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonScriptInvalidDocument)
	}
	digest, err := digestJSON(raw)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonScriptInvalidDocument)
	}
	return &Document{
		Script:      sc,
		ContentPack: strings.TrimSpace(file.ContentPack),
		MetaMarkers: file.MetaMarkers,
		Digest:      digest,
	}, nil
}

func digestJSON(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize script: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// LeakDetector returns the default detector extended with the document's
// markers.
func (d *Document) LeakDetector() *LeakDetector {
	det := DefaultLeakDetector()
	det.Add(d.MetaMarkers...)
	return det
}
