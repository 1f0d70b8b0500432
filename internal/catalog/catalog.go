// Package catalog holds the read-only sequence templates that tenants install,
// grouped by industry.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/sequencer/internal/validation"
	"github.com/rendis/sequencer/pkg/schema"
)

// DefaultIndustry is used when a tenant has no industry configured or the
// configured one has no catalog.
const DefaultIndustry = "martial_arts"

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Template is the blueprint a sequence is installed from.
type Template = schema.SequenceDefinition

// File is the on-disk shape of one industry catalog.
type File struct {
	Industry  string     `json:"industry" yaml:"industry"`
	Templates []Template `json:"templates" yaml:"templates"`
}

// Catalog is an immutable set of templates per industry. Safe for concurrent use.
type Catalog struct {
	industries map[string][]Template
	fallback   string
}

// Load parses the built-in catalogs, then every .yaml/.yml/.json file in dir.
// A file for an industry that already exists replaces that industry's
// templates. An empty dir loads the built-ins only.
func Load(v *validation.SequenceValidator, dir string) (*Catalog, error) {
	c := &Catalog{industries: make(map[string][]Template), fallback: DefaultIndustry}

	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin catalogs: %w", err)
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin catalog %s: %w", entry.Name(), err)
		}
		f, err := parseFile(v, entry.Name(), data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin catalog %s: %w", entry.Name(), err)
		}
		c.industries[f.Industry] = f.Templates
	}

	if strings.TrimSpace(dir) != "" {
		files, err := LoadDir(v, dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			c.industries[f.Industry] = f.Templates
		}
	}

	if _, ok := c.industries[c.fallback]; !ok {
		return nil, fmt.Errorf("catalog has no %s templates", c.fallback)
	}
	return c, nil
}

// LoadDir reads every catalog file in dir. A missing directory yields none.
func LoadDir(v *validation.SequenceValidator, dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}

	var files []*File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		f, err := LoadFile(v, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// LoadFile reads and validates a single catalog file.
func LoadFile(v *validation.SequenceValidator, path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	f, err := parseFile(v, path, data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return f, nil
}

// parseFile accepts YAML or JSON (JSON is valid YAML), checks the document
// against the catalog schema and every template against the step rules.
func parseFile(v *validation.SequenceValidator, name string, data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "catalog is not valid YAML").WithCause(err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", name, err)
	}
	if err := v.JSONSchema().ValidateCatalog(raw); err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	seen := make(map[string]bool, len(f.Templates))
	for i := range f.Templates {
		t := &f.Templates[i]
		if seen[t.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate template %q", t.Name)
		}
		seen[t.Name] = true
		if err := v.ValidateSequence(t).ToError(); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	return &f, nil
}

// Industry returns the industry whose catalog serves a tenant configured
// with industry, falling back to DefaultIndustry.
func (c *Catalog) Industry(industry string) string {
	if _, ok := c.industries[industry]; ok {
		return industry
	}
	return c.fallback
}

// Industries lists the loaded industries in name order.
func (c *Catalog) Industries() []string {
	out := make([]string, 0, len(c.industries))
	for k := range c.industries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Templates returns a copy of the templates for industry, with fallback.
func (c *Catalog) Templates(industry string) []Template {
	src := c.industries[c.Industry(industry)]
	out := make([]Template, len(src))
	for i, t := range src {
		out[i] = cloneTemplate(t)
	}
	return out
}

// Lookup finds a template by name in the catalog serving industry.
func (c *Catalog) Lookup(industry, name string) (Template, error) {
	resolved := c.Industry(industry)
	for _, t := range c.industries[resolved] {
		if t.Name == name {
			return cloneTemplate(t), nil
		}
	}
	return Template{}, schema.NewErrorf(schema.ErrCodeTemplateNotFound,
		"template %q not found in %s catalog", name, resolved).
		WithDetails(map[string]any{"industry": resolved, "template": name})
}

func cloneTemplate(t Template) Template {
	t.Steps = append([]schema.StepSpec(nil), t.Steps...)
	return t
}
