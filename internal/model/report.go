package model

import (
	"fmt"
	"sort"
)

// Yes/no fields of the general block, in reporting order.
var YesNoFields = []string{
	"nuclear_energy_related_activities_section426",
	"nuclear_energy_related_activities_section427",
	"nuclear_energy_related_activities_section428",
	"fossil_gas_related_activities_section429",
	"fossil_gas_related_activities_section430",
	"fossil_gas_related_activities_section431",
}

// KPIs every numeric template is split by.
var KPIs = []string{"revenue", "capex"}

// TemplateLayout describes the row x subcategory grid of a numeric template.
type TemplateLayout struct {
	Name          string
	Number        int
	Rows          []string
	Subcategories []string
}

// FieldKey returns the dataset field key holding the template for one KPI.
func (l TemplateLayout) FieldKey(kpi string) string {
	return fmt.Sprintf("%s_%s", l.Name, kpi)
}

// FieldKeys returns the dataset field keys of every KPI of the template.
func (l TemplateLayout) FieldKeys() []string {
	keys := make([]string, 0, len(KPIs))
	for _, kpi := range KPIs {
		keys = append(keys, l.FieldKey(kpi))
	}
	return keys
}

var templateRows = []string{"1", "2", "3", "4", "5", "6", "7", "8"}

var climateSubcategories = []string{"ccm_cca", "ccm", "cca"}

// NumericTemplates lists the four numeric template blocks.
var NumericTemplates = []TemplateLayout{
	{Name: "taxonomy_aligned_denominator", Number: 2, Rows: templateRows, Subcategories: climateSubcategories},
	{Name: "taxonomy_aligned_numerator", Number: 3, Rows: templateRows, Subcategories: climateSubcategories},
	{Name: "taxonomy_eligible_but_not_aligned", Number: 4, Rows: templateRows, Subcategories: climateSubcategories},
	{Name: "taxonomy_non_eligible", Number: 5, Rows: templateRows, Subcategories: []string{"value"}},
}

// TemplateByName looks up a numeric template layout.
func TemplateByName(name string) (TemplateLayout, bool) {
	for _, t := range NumericTemplates {
		if t.Name == name {
			return t, true
		}
	}
	return TemplateLayout{}, false
}

// AllFieldKeys returns every dataset field key the report covers.
func AllFieldKeys() []string {
	keys := append([]string(nil), YesNoFields...)
	for _, t := range NumericTemplates {
		keys = append(keys, t.FieldKeys()...)
	}
	return keys
}

// GeneralBlock holds the yes/no fields.
type GeneralBlock struct {
	Finding
	Fields map[string]Finding `json:"fields"`
}

// KPIBlock holds the row x subcategory cells of one KPI.
type KPIBlock struct {
	Finding
	Rows map[string]map[string]Finding `json:"rows,omitempty"`
}

// TemplateBlock holds one numeric template split by KPI.
type TemplateBlock struct {
	Finding
	KPIs map[string]*KPIBlock `json:"kpis"`
}

// Report is the nested review report posted back to the source of truth.
type Report struct {
	DatasetID string                    `json:"dataset_id"`
	General   *GeneralBlock             `json:"general"`
	Templates map[string]*TemplateBlock `json:"templates"`
}

// NewReport returns an empty report for the dataset.
func NewReport(datasetID string) *Report {
	return &Report{
		DatasetID: datasetID,
		Templates: make(map[string]*TemplateBlock, len(NumericTemplates)),
	}
}

// Leaf is a flattened report entry used for counting and export.
type Leaf struct {
	Path    string
	Finding Finding
}

// Leaves flattens the report into sorted path/finding pairs. Blocks without
// any leaf contribute their own finding.
func (r *Report) Leaves() []Leaf {
	var out []Leaf
	if r.General != nil {
		if len(r.General.Fields) == 0 {
			out = append(out, Leaf{Path: "general", Finding: r.General.Finding})
		}
		for _, k := range sortedKeys(r.General.Fields) {
			out = append(out, Leaf{Path: "general." + k, Finding: r.General.Fields[k]})
		}
	}
	names := make([]string, 0, len(r.Templates))
	for name := range r.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tb := r.Templates[name]
		if tb == nil {
			continue
		}
		if len(tb.KPIs) == 0 {
			out = append(out, Leaf{Path: name, Finding: tb.Finding})
			continue
		}
		kpis := make([]string, 0, len(tb.KPIs))
		for k := range tb.KPIs {
			kpis = append(kpis, k)
		}
		sort.Strings(kpis)
		for _, kpi := range kpis {
			kb := tb.KPIs[kpi]
			if len(kb.Rows) == 0 {
				out = append(out, Leaf{Path: name + "." + kpi, Finding: kb.Finding})
				continue
			}
			rows := make([]string, 0, len(kb.Rows))
			for row := range kb.Rows {
				rows = append(rows, row)
			}
			sort.Strings(rows)
			for _, row := range rows {
				for _, sub := range sortedKeys(kb.Rows[row]) {
					out = append(out, Leaf{
						Path:    fmt.Sprintf("%s.%s.%s.%s", name, kpi, row, sub),
						Finding: kb.Rows[row][sub],
					})
				}
			}
		}
	}
	return out
}

// Counts tallies leaf verdicts.
type Counts struct {
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
	NotAttempted int `json:"not_attempted"`
}

// Add merges other into c.
func (c *Counts) Add(other Counts) {
	c.Accepted += other.Accepted
	c.Rejected += other.Rejected
	c.NotAttempted += other.NotAttempted
}

// Count tallies a single verdict.
func (c *Counts) Count(v Verdict) {
	switch v {
	case VerdictAccepted:
		c.Accepted++
	case VerdictRejected:
		c.Rejected++
	default:
		c.NotAttempted++
	}
}

// Counts tallies the verdicts of every leaf.
func (r *Report) Counts() Counts {
	var c Counts
	for _, l := range r.Leaves() {
		c.Count(l.Finding.Verdict)
	}
	return c
}

func sortedKeys(m map[string]Finding) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
