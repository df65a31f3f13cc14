package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	for _, name := range []string{"extendedEnumYesNo", "extendedDecimal", "extendedPercentage"} {
		_, ok := r.Lookup(name)
		assert.True(t, ok, name)
	}
	for _, layout := range model.NumericTemplates {
		tmpl, ok := r.Lookup(layout.Name)
		require.True(t, ok, layout.Name)
		assert.Equal(t, CategoryNumeric, tmpl.Category)
		require.NotEmpty(t, tmpl.Schema, layout.Name)
		_, err := extraction.CompileContract(tmpl.Schema)
		assert.NoError(t, err, layout.Name)
	}

	num, _ := r.Lookup("taxonomy_aligned_numerator")
	assert.Equal(t, []string{"taxonomy_aligned_denominator_revenue", "taxonomy_aligned_denominator_capex"}, num.DependsOn)
	den, _ := r.Lookup("taxonomy_aligned_denominator")
	assert.Empty(t, den.DependsOn)
}

func TestRender_YesNo(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	tmpl, ok := r.Lookup("extendedEnumYesNo")
	require.True(t, ok)

	out, err := tmpl.Render(PromptData{
		FieldKey:        "nuclear_energy_related_activities_section426",
		CompanyID:       "acme",
		ReportingPeriod: "2024",
		Document:        "## Page 58\n\nThe company does not operate nuclear plants.",
		Pages:           []int{58, 59},
		Dependencies:    map[string]string{"b": "No", "a": "Yes"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "company acme for 2024")
	assert.Contains(t, out, "Question (nuclear_energy_related_activities_section426)")
	assert.Contains(t, out, "pages 58, 59")
	assert.Contains(t, out, "- a: Yes\n- b: No")
	assert.Contains(t, out, "does not operate nuclear plants")
}

func TestRender_Numeric(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	tmpl, _ := r.Lookup("taxonomy_non_eligible")

	out, err := tmpl.Render(PromptData{
		FieldKey:       "taxonomy_non_eligible",
		KPI:            "capex",
		TemplateNumber: 5,
		Rows:           []string{"1", "2"},
		Subcategories:  []string{"value"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "template 5")
	assert.Contains(t, out, "capex KPI")
	assert.Contains(t, out, "[1, 2]")
	assert.NotContains(t, out, "Values recorded")
}

func TestLoad_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  extendedEnumYesNo:
    prompt: "Custom {{.FieldKey}}"
  customType:
    category: numeric
    prompt: "Value of {{.FieldKey}}?"
    freeform: true
`), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	yn, ok := r.Lookup("extendedEnumYesNo")
	require.True(t, ok)
	assert.Equal(t, CategoryCategorical, yn.Category)
	out, err := yn.Render(PromptData{FieldKey: "f"})
	require.NoError(t, err)
	assert.Equal(t, "Custom f", out)

	custom, ok := r.Lookup("customType")
	require.True(t, ok)
	assert.True(t, custom.Freeform)

	// Untouched defaults survive.
	_, ok = r.Lookup("taxonomy_non_eligible")
	assert.True(t, ok)
	assert.Contains(t, r.Names(), "customType")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("templates: [1, 2"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(map[string]Config{"x": {Prompt: " "}})
	assert.ErrorContains(t, err, "empty prompt")

	_, err = New(map[string]Config{"x": {Prompt: "p", Category: "fuzzy"}})
	assert.ErrorContains(t, err, "unknown category")

	_, err = New(map[string]Config{"x": {Prompt: "{{.Broken"}})
	assert.ErrorContains(t, err, "templates: parse x")
}

func TestLookupFirst(t *testing.T) {
	r, err := New(map[string]Config{"b": {Prompt: "b"}})
	require.NoError(t, err)

	tmpl, ok := r.LookupFirst("a", "b")
	require.True(t, ok)
	assert.Equal(t, "b", tmpl.Name)
	_, ok = r.LookupFirst("a")
	assert.False(t, ok)
}
