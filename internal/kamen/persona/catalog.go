// Package persona provides the immutable persona catalog: the set of named
// characters Kamen can impersonate. The catalog is loaded once at process
// start from a YAML file and is read-only afterwards; conversations refer to
// personas by name only.
package persona

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DefaultModel is the completion model used when a catalog entry does not
// name one.
const DefaultModel = "gpt-3.5-turbo"

// Persona is one named character. Immutable once loaded.
type Persona struct {
	// Name identifies the persona; unique within the catalog. Mention
	// matching and activation both key on this name.
	Name string `yaml:"name"`
	// Description is the behavioural description injected into system
	// messages when the persona is reinforced.
	Description string `yaml:"description"`
	// Model is the completion model identifier used when this persona
	// generates a reply. Defaults to DefaultModel when empty in the file.
	Model string `yaml:"model"`
}

// Catalog is an immutable name → Persona lookup.
type Catalog struct {
	byName map[string]Persona
	names  []string // file order, for deterministic listing
}

// catalogFile is the YAML document shape.
type catalogFile struct {
	Personas []Persona `yaml:"personas"`
}

// catalogSchema validates the raw YAML document before it is decoded into
// structs. Schema violations are startup-fatal, so a malformed catalog never
// produces a half-usable bot.
const catalogSchema = `{
  "type": "object",
  "required": ["personas"],
  "properties": {
    "personas": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "description"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "model": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// Load reads and validates the catalog file at path. Any error here is a
// fatal startup condition for the caller; there is no per-lookup recovery.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog YAML document.
func Parse(data []byte) (*Catalog, error) {
	// Validate the raw document against the schema first so that error
	// messages point at the file structure, not at struct decoding.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("persona catalog: parse yaml: %w", err)
	}

	schema, err := jsonschema.CompileString("catalog.schema.json", catalogSchema)
	if err != nil {
		return nil, fmt.Errorf("persona catalog: compile schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("persona catalog: invalid document: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("persona catalog: decode: %w", err)
	}

	c := &Catalog{byName: make(map[string]Persona, len(file.Personas))}
	for i, p := range file.Personas {
		p.Name = strings.TrimSpace(p.Name)
		if p.Model == "" {
			p.Model = DefaultModel
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("persona catalog: personas[%d]: duplicate name %q", i, p.Name)
		}
		c.byName[p.Name] = p
		c.names = append(c.names, p.Name)
	}

	return c, nil
}

// Get returns the persona with the given name.
func (c *Catalog) Get(name string) (Persona, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Names returns all persona names in catalog file order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Len returns the number of personas in the catalog.
func (c *Catalog) Len() int {
	return len(c.names)
}
