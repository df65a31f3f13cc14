// Package templates holds the prompt templates used for extraction, keyed by
// declared datapoint type, dataset field key or numeric template name.
package templates

import (
	_ "embed"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Category selects the comparison policy of a template.
type Category string

const (
	CategoryCategorical Category = "categorical"
	CategoryNumeric     Category = "numeric"
)

// Config is one template entry as written in YAML.
type Config struct {
	Category  Category `yaml:"category"`
	Prompt    string   `yaml:"prompt"`
	DependsOn []string `yaml:"depends_on"`
	Schema    string   `yaml:"schema"`
	Freeform  bool     `yaml:"freeform"`
}

// Template is a parsed, ready to render entry.
type Template struct {
	Name      string
	Category  Category
	DependsOn []string
	Schema    []byte
	Freeform  bool
	tmpl      *template.Template
}

// PromptData is what prompts can reference.
type PromptData struct {
	FieldKey        string
	FieldType       string
	KPI             string
	TemplateNumber  int
	CompanyID       string
	ReportingPeriod string
	Document        string
	Pages           []int
	Rows            []string
	Subcategories   []string
	Dependencies    map[string]string
}

// PageList renders the pages as "3, 7, 8".
func (d PromptData) PageList() string {
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}

var funcs = template.FuncMap{"join": strings.Join}

// Render executes the template with data.
func (t *Template) Render(data PromptData) (string, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", eris.Wrapf(err, "templates: render %s", t.Name)
	}
	return b.String(), nil
}

// Registry resolves templates by key.
type Registry struct {
	templates map[string]*Template
}

// Load returns the embedded defaults overridden by the entries of the YAML
// file at path. An empty path loads the defaults only.
func Load(path string) (*Registry, error) {
	entries, err := parse(defaultsYAML)
	if err != nil {
		return nil, eris.Wrap(err, "templates: parse defaults")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "templates: read %s", path)
		}
		overrides, err := parse(data)
		if err != nil {
			return nil, eris.Wrapf(err, "templates: parse %s", path)
		}
		maps.Copy(entries, overrides)
	}
	return New(entries)
}

// New compiles a registry from entries.
func New(entries map[string]Config) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(entries))}
	for name, cfg := range entries {
		t, err := compile(name, cfg)
		if err != nil {
			return nil, err
		}
		r.templates[name] = t
	}
	return r, nil
}

func parse(data []byte) (map[string]Config, error) {
	var wrapper struct {
		Templates map[string]Config `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Templates == nil {
		wrapper.Templates = map[string]Config{}
	}
	return wrapper.Templates, nil
}

func compile(name string, cfg Config) (*Template, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return nil, eris.Errorf("templates: %s has an empty prompt", name)
	}
	switch cfg.Category {
	case "":
		cfg.Category = CategoryCategorical
	case CategoryCategorical, CategoryNumeric:
	default:
		return nil, eris.Errorf("templates: %s has unknown category %q", name, cfg.Category)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(cfg.Prompt)
	if err != nil {
		return nil, eris.Wrapf(err, "templates: parse %s", name)
	}
	t := &Template{
		Name:      name,
		Category:  cfg.Category,
		DependsOn: cfg.DependsOn,
		Freeform:  cfg.Freeform,
		tmpl:      tmpl,
	}
	if s := strings.TrimSpace(cfg.Schema); s != "" {
		t.Schema = []byte(s)
	}
	return t, nil
}

// Lookup returns the template for key.
func (r *Registry) Lookup(key string) (*Template, bool) {
	t, ok := r.templates[key]
	return t, ok
}

// LookupFirst returns the first template found among keys.
func (r *Registry) LookupFirst(keys ...string) (*Template, bool) {
	for _, k := range keys {
		if t, ok := r.templates[k]; ok {
			return t, true
		}
	}
	return nil, false
}

// Names returns the sorted template keys.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.templates))
}
