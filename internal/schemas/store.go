// Package schemas holds the work-type JSON Schema catalogue used to check
// the details attached to planned works.
package schemas

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrNoSchema is returned when a work type has no registered schema.
var ErrNoSchema = errors.New("no schema")

// Document is a raw JSON Schema document.
type Document map[string]any

// Violation reports details that do not satisfy a work schema.
type Violation struct {
	Work    string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("work %s: %s", v.Work, v.Message)
}

// Store maps work types to compiled schemas. It is immutable once built.
type Store struct {
	path     string
	docs     map[string]Document
	compiled map[string]*jsonschema.Schema
}

// Load reads the whole catalogue from a JSON or YAML file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("schema config %s not found", path)
		}
		return nil, err
	}
	docs, err := parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("schema config %s: %w", path, err)
	}
	s, err := New(docs)
	if err != nil {
		return nil, fmt.Errorf("schema config %s: %w", path, err)
	}
	s.path = path
	return s, nil
}

func parse(data []byte, ext string) (map[string]Document, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
	}
	docs := make(map[string]Document, len(raw))
	for work, v := range raw {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema for work %s must be an object", work)
		}
		docs[work] = Document(obj)
	}
	return docs, nil
}

// New compiles the given documents. Empty documents are kept for listing but
// count as "no schema" for lookups and validation.
func New(docs map[string]Document) (*Store, error) {
	s := &Store{
		docs:     make(map[string]Document, len(docs)),
		compiled: make(map[string]*jsonschema.Schema, len(docs)),
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for work, doc := range docs {
		if strings.TrimSpace(work) == "" {
			return nil, errors.New("empty work type name")
		}
		s.docs[work] = doc
		if len(doc) == 0 {
			continue
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode schema %s: %w", work, err)
		}
		resource := "mem://schemas/" + url.PathEscape(work) + ".json"
		if err := c.AddResource(resource, bytes.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", work, err)
		}
		compiled, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", work, err)
		}
		s.compiled[work] = compiled
	}
	return s, nil
}

// Path is the file the store was loaded from, if any.
func (s *Store) Path() string { return s.path }

// Schema returns the document registered for work.
func (s *Store) Schema(work string) (Document, bool) {
	doc, ok := s.docs[work]
	if !ok || len(doc) == 0 {
		return nil, false
	}
	return doc, true
}

// All returns a copy of the full catalogue.
func (s *Store) All() map[string]Document {
	out := make(map[string]Document, len(s.docs))
	for k, v := range s.docs {
		out[k] = v
	}
	return out
}

// Works returns the registered work types, sorted.
func (s *Store) Works() []string {
	out := make([]string, 0, len(s.docs))
	for k := range s.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks details against the schema of work.
func (s *Store) Validate(work string, details any) error {
	compiled, ok := s.compiled[work]
	if !ok {
		return fmt.Errorf("%w for work type '%s'", ErrNoSchema, work)
	}
	instance, err := normalize(details)
	if err != nil {
		return &Violation{Work: work, Message: err.Error()}
	}
	if err := compiled.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &Violation{Work: work, Message: describe(ve)}
		}
		return &Violation{Work: work, Message: err.Error()}
	}
	return nil
}

// normalize turns any Go value into plain decoded JSON (maps, slices, json.Number).
func normalize(v any) (any, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("details are not valid json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func describe(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
