package sheetgate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type FieldType string

const (
	FieldString      FieldType = "string"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldStringArray FieldType = "string_array"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldBoolean, FieldStringArray:
		return true
	}
	return false
}

type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Header   string    `yaml:"header" json:"header"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
}

// EntitySchema describes how one named range maps to records.
type EntitySchema struct {
	Name      string  `yaml:"name" json:"name"`
	SourceID  string  `yaml:"source" json:"source"`
	Range     string  `yaml:"range" json:"range"`
	KeyField  string  `yaml:"key" json:"key"`
	KeyPrefix string  `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
	Fields    []Field `yaml:"fields" json:"fields"`
}

func (s *EntitySchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s *EntitySchema) KeyHeader() string {
	f, _ := s.Field(s.KeyField)
	return f.Header
}

func (s *EntitySchema) required(f Field) bool {
	return f.Required || f.Name == s.KeyField
}

// SchemaSet is an immutable collection of entity schemas.
type SchemaSet struct {
	entities    map[string]*EntitySchema
	names       []string
	fingerprint string
}

func NewSchemaSet(schemas []EntitySchema) (*SchemaSet, error) {
	set := &SchemaSet{entities: make(map[string]*EntitySchema, len(schemas))}
	for i := range schemas {
		s := schemas[i]
		if err := validateEntitySchema(&s); err != nil {
			return nil, err
		}
		if _, exists := set.entities[s.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate entity %q", ErrInvalidInput, s.Name)
		}
		set.entities[s.Name] = &s
		set.names = append(set.names, s.Name)
	}
	sort.Strings(set.names)

	ordered := make([]*EntitySchema, 0, len(set.names))
	for _, name := range set.names {
		ordered = append(ordered, set.entities[name])
	}
	payload, err := json.Marshal(ordered)
	if err != nil {
		return nil, err
	}
	set.fingerprint = fmt.Sprintf("%016x", xxhash.Sum64(payload))
	return set, nil
}

func (s *SchemaSet) Entity(name string) (*EntitySchema, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entities[name]
	return e, ok
}

func (s *SchemaSet) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// ForSource returns the entity names backed by sourceID, sorted.
func (s *SchemaSet) ForSource(sourceID string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, name := range s.names {
		if s.entities[name].SourceID == sourceID {
			out = append(out, name)
		}
	}
	return out
}

func (s *SchemaSet) Sources() []string {
	if s == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, name := range s.names {
		src := s.entities[name].SourceID
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (s *SchemaSet) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.fingerprint
}

func validateEntitySchema(s *EntitySchema) error {
	s.Name = strings.TrimSpace(s.Name)
	s.SourceID = strings.TrimSpace(s.SourceID)
	s.Range = strings.TrimSpace(s.Range)
	s.KeyField = strings.TrimSpace(s.KeyField)
	if s.Name == "" || s.SourceID == "" || s.Range == "" || s.KeyField == "" {
		return fmt.Errorf("%w: entity %q requires name, source, range and key", ErrInvalidInput, s.Name)
	}
	if _, err := ParseRange(s.Range); err != nil {
		return fmt.Errorf("entity %s: %w", s.Name, err)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: entity %s has no fields", ErrInvalidInput, s.Name)
	}
	seen := map[string]struct{}{}
	for i := range s.Fields {
		f := &s.Fields[i]
		f.Name = strings.TrimSpace(f.Name)
		f.Header = strings.TrimSpace(f.Header)
		if f.Header == "" {
			f.Header = f.Name
		}
		if f.Type == "" {
			f.Type = FieldString
		}
		if f.Name == "" {
			return fmt.Errorf("%w: entity %s field %d has no name", ErrInvalidInput, s.Name, i)
		}
		if !f.Type.valid() {
			return fmt.Errorf("%w: entity %s field %s has unknown type %q", ErrInvalidInput, s.Name, f.Name, f.Type)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: entity %s declares field %s twice", ErrInvalidInput, s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if _, ok := s.Field(s.KeyField); !ok {
		return fmt.Errorf("%w: entity %s key field %s is not declared", ErrInvalidInput, s.Name, s.KeyField)
	}
	return nil
}

//go:embed schema.json
var schemaDocumentSchema []byte

var compiledDocumentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocumentSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sheetgate-schema.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("sheetgate-schema.json")
	if err != nil {
		panic(err)
	}
	return sch
}

type schemaDocument struct {
	Entities []EntitySchema `yaml:"entities"`
}

// ParseSchemaYAML validates a YAML schema document structurally and
// semantically.
func ParseSchemaYAML(data []byte) (*SchemaSet, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	if err := compiledDocumentSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var doc schemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema yaml: %w", err)
	}
	return NewSchemaSet(doc.Entities)
}

func LoadSchemaFile(path string) (*SchemaSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	set, err := ParseSchemaYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}
