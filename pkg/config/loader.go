package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Loader reads and validates configuration documents. The format follows
// the file extension: .yaml and .yml are YAML, .cue is CUE, .json is read
// as CUE since CUE is a superset of JSON.
type Loader struct {
	ctx      *cue.Context
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	return &Loader{
		ctx:      ctx,
		schemas:  NewSchemaRegistry(ctx),
		validate: validator.New(),
	}
}

// Schemas returns the schema registry CUE documents are checked against.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads, parses and validates the document at path. Script files are
// resolved relative to the document.
func (l *Loader) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	doc, err := l.Parse(path, data)
	if err != nil {
		return nil, err
	}
	doc.dir = filepath.Dir(path)
	if err := l.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Parse decodes a document without validating the network graph. The name
// selects the format and appears in error positions.
func (l *Loader) Parse(name string, data []byte) (*Document, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return l.parseYAML(name, data)
	case ".cue", ".json":
		return l.parseCUE(name, data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", name)
	}
}

func (l *Loader) parseYAML(name string, data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{File: name, Message: err.Error()}
	}
	return &doc, nil
}

func (l *Loader) parseCUE(name string, data []byte) (*Document, error) {
	val := l.ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := l.schemas.Apply("document", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, &ValidationError{File: name, Message: fmt.Sprintf("failed to decode document: %v", err)}
	}
	return &doc, nil
}

// convertCUEErrors turns CUE errors into ValidationErrors joined with multierr.
func convertCUEErrors(err error) error {
	var out error
	for _, e := range errors.Errors(err) {
		ve := &ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
		}
		out = multierr.Append(out, ve)
	}
	if out == nil {
		return err
	}
	return out
}
