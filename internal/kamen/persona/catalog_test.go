package persona_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avoicu/kamen/internal/kamen/persona"
)

const validCatalog = `personas:
  - name: Jack
    description: You are a kind person who is always there to listen.
  - name: Mira
    description: An ironic character who enjoys blunt jokes.
    model: gpt-4o-mini
`

func TestParse_ValidCatalog(t *testing.T) {
	c, err := persona.Parse([]byte(validCatalog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("expected 2 personas, got %d", c.Len())
	}

	jack, ok := c.Get("Jack")
	if !ok {
		t.Fatal("expected Jack in catalog")
	}
	if jack.Model != persona.DefaultModel {
		t.Errorf("expected default model %q, got %q", persona.DefaultModel, jack.Model)
	}

	mira, ok := c.Get("Mira")
	if !ok {
		t.Fatal("expected Mira in catalog")
	}
	if mira.Model != "gpt-4o-mini" {
		t.Errorf("expected explicit model, got %q", mira.Model)
	}

	names := c.Names()
	if len(names) != 2 || names[0] != "Jack" || names[1] != "Mira" {
		t.Errorf("expected file-order names [Jack Mira], got %v", names)
	}
}

func TestParse_RejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty personas list", "personas: []\n"},
		{"missing description", "personas:\n  - name: Jack\n"},
		{"missing name", "personas:\n  - description: someone\n"},
		{"unknown field", "personas:\n  - name: Jack\n    description: d\n    voice: low\n"},
		{"not yaml", ": : :\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := persona.Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParse_DuplicateName(t *testing.T) {
	doc := `personas:
  - name: Jack
    description: first
  - name: Jack
    description: second
`
	if _, err := persona.Parse([]byte(doc)); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := persona.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte(validCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := persona.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Get("Jack"); !ok {
		t.Error("expected Jack in loaded catalog")
	}
	if _, ok := c.Get("Nobody"); ok {
		t.Error("unexpected persona Nobody")
	}
}
