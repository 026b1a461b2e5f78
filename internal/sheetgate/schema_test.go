package sheetgate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testSchemaYAML = `
entities:
  - name: clients
    source: crm
    range: "Clients!A1:F"
    key: id
    keyPrefix: cli_
    fields:
      - {name: id, header: Client ID, type: string, required: true}
      - {name: name, header: Name, type: string, required: true}
      - {name: revenue, header: Revenue, type: number}
      - {name: active, header: Active, type: boolean}
      - {name: tags, header: Tags, type: string_array}
  - name: projects
    source: crm
    range: Projects
    key: code
    fields:
      - {name: code, header: Code}
      - {name: client, header: Client ID}
      - {name: budget, header: Budget, type: number}
  - name: invoices
    source: billing
    range: "Invoices!A1:C"
    key: number
    fields:
      - {name: number, header: Invoice}
      - {name: amount, header: Amount, type: number, required: true}
`

func mustTestSchemas(t *testing.T) *SchemaSet {
	t.Helper()
	set, err := ParseSchemaYAML([]byte(testSchemaYAML))
	if err != nil {
		t.Fatalf("parse test schemas: %v", err)
	}
	return set
}

func TestParseSchemaYAML(t *testing.T) {
	set := mustTestSchemas(t)
	clients, ok := set.Entity("clients")
	if !ok {
		t.Fatalf("expected clients entity")
	}
	if clients.KeyPrefix != "cli_" || clients.KeyHeader() != "Client ID" {
		t.Fatalf("unexpected clients schema %+v", clients)
	}
	projects, _ := set.Entity("projects")
	if projects.Fields[0].Type != FieldString {
		t.Fatalf("expected default string type, got %q", projects.Fields[0].Type)
	}
	if got := set.ForSource("crm"); len(got) != 2 || got[0] != "clients" || got[1] != "projects" {
		t.Fatalf("unexpected crm entities %v", got)
	}
	if got := set.Sources(); len(got) != 2 || got[0] != "billing" || got[1] != "crm" {
		t.Fatalf("unexpected sources %v", got)
	}
	if len(set.Fingerprint()) != 16 {
		t.Fatalf("expected 16 hex digit fingerprint, got %q", set.Fingerprint())
	}
}

func TestSchemaFingerprintTracksContent(t *testing.T) {
	a := mustTestSchemas(t)
	b := mustTestSchemas(t)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected identical documents to share a fingerprint")
	}
	changed, err := NewSchemaSet([]EntitySchema{{
		Name: "clients", SourceID: "crm", Range: "Clients", KeyField: "id",
		Fields: []Field{{Name: "id", Header: "ID"}},
	}})
	if err != nil {
		t.Fatalf("new schema set: %v", err)
	}
	if changed.Fingerprint() == a.Fingerprint() {
		t.Fatalf("expected different schemas to have different fingerprints")
	}
}

func TestParseSchemaYAMLRejectsInvalidDocuments(t *testing.T) {
	tests := map[string]string{
		"unknown type": `
entities:
  - name: a
    source: s
    range: A
    key: id
    fields:
      - {name: id, type: date}
`,
		"missing fields": `
entities:
  - name: a
    source: s
    range: A
    key: id
`,
		"undeclared key": `
entities:
  - name: a
    source: s
    range: A
    key: id
    fields:
      - {name: other}
`,
		"duplicate entity": `
entities:
  - {name: a, source: s, range: A, key: id, fields: [{name: id}]}
  - {name: a, source: s, range: B, key: id, fields: [{name: id}]}
`,
		"bad range": `
entities:
  - {name: a, source: s, range: "A!Z9:A1", key: id, fields: [{name: id}]}
`,
	}
	for name, doc := range tests {
		if _, err := ParseSchemaYAML([]byte(doc)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	if err := os.WriteFile(path, []byte(testSchemaYAML), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	set, err := LoadSchemaFile(path)
	if err != nil {
		t.Fatalf("load schema file: %v", err)
	}
	if len(set.Names()) != 3 {
		t.Fatalf("expected 3 entities, got %v", set.Names())
	}
	if _, err := LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing schema file")
	}
}
