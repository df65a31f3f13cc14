package review

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/internal/compare"
	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/pages"
	"github.com/sells-group/datapoint-review/internal/templates"
)

const (
	generalGroup   = "general"
	yesNoFieldType = "extendedEnumYesNo"
)

// Group is one independently built part of a dataset report.
type Group struct {
	Name     string
	Category templates.Category
	Layout   model.TemplateLayout
}

// Groups returns the report groups in reporting order: the yes/no block
// followed by each numeric template.
func Groups() []Group {
	out := []Group{{Name: generalGroup, Category: templates.CategoryCategorical}}
	for _, l := range model.NumericTemplates {
		out = append(out, Group{Name: l.Name, Category: templates.CategoryNumeric, Layout: l})
	}
	return out
}

// Block is the output of one group builder.
type Block struct {
	name     string
	general  *model.GeneralBlock
	template *model.TemplateBlock
}

func (b Block) apply(r *model.Report) {
	if b.general != nil {
		r.General = b.general
	}
	if b.template != nil {
		r.Templates[b.name] = b.template
	}
}

// Builder builds one report group.
type Builder func(ctx context.Context, env *groupEnv, group Group) (Block, error)

// Builders selects the group builder by template category.
var Builders = map[templates.Category]Builder{
	templates.CategoryCategorical: buildYesNo,
	templates.CategoryNumeric:     buildNumeric,
}

func notAttemptedBlock(group Group, comment string) Block {
	f := model.NotAttempted(comment)
	if group.Category == templates.CategoryCategorical {
		return Block{name: group.Name, general: &model.GeneralBlock{Finding: f}}
	}
	return Block{name: group.Name, template: &model.TemplateBlock{Finding: f}}
}

// groupEnv is the per-dataset state shared by the group builders. The
// document is loaded once and read concurrently afterwards.
type groupEnv struct {
	deps    *Deps
	opts    Options
	dataset *model.Dataset
	doc     *pages.Document
	text    string
	images  [][]byte
}

func (e *groupEnv) load(ctx context.Context) error {
	if e.opts.UseOCR {
		text, err := e.deps.Text.GetText(ctx, e.dataset.ID, e.doc.FileReference, e.doc.Pages)
		if err != nil {
			return err
		}
		e.text = text
		return nil
	}
	images, err := renderPages(ctx, *e.deps, e.doc.FileReference, e.doc.Pages)
	if err != nil {
		return err
	}
	e.images = images
	e.text = "(see the attached page images)"
	return nil
}

func (e *groupEnv) promptData(fieldKey, fieldType string) templates.PromptData {
	return templates.PromptData{
		FieldKey:        fieldKey,
		FieldType:       fieldType,
		CompanyID:       e.dataset.CompanyID,
		ReportingPeriod: e.dataset.ReportingPeriod,
		Document:        e.text,
		Pages:           e.doc.Pages,
	}
}

func (e *groupEnv) extract(ctx context.Context, tmpl *templates.Template, data templates.PromptData) (model.ExtractionResult, error) {
	data.Dependencies = dependencies(e.dataset, tmpl.DependsOn)
	prompt, err := tmpl.Render(data)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	return e.deps.Extractor.Execute(ctx, extraction.Request{
		Prompt:   prompt,
		Model:    e.opts.Model,
		Retries:  e.opts.Retries,
		Images:   e.images,
		Schema:   tmpl.Schema,
		Freeform: tmpl.Freeform,
	}), nil
}

// buildYesNo reviews the yes/no fields of the general block one by one.
func buildYesNo(ctx context.Context, env *groupEnv, group Group) (Block, error) {
	block := &model.GeneralBlock{Fields: make(map[string]model.Finding, len(model.YesNoFields))}
	outcomes := make([]compare.Outcome, 0, len(model.YesNoFields))

	for _, field := range model.YesNoFields {
		if err := ctx.Err(); err != nil {
			return Block{}, err
		}
		var out compare.Outcome
		recorded, ok := env.dataset.Fields[field]
		tmpl, found := env.deps.Templates.LookupFirst(field, yesNoFieldType)
		switch {
		case !ok || recorded.StringValue() == "":
			out = compare.Outcome{Field: field, Verdict: model.VerdictNotAttempted, Comment: field + ": missing value"}
		case !found:
			out = compare.Outcome{Field: field, Verdict: model.VerdictNotAttempted, Comment: field + ": no template"}
		default:
			res, err := env.extract(ctx, tmpl, env.promptData(field, yesNoFieldType))
			switch {
			case err != nil:
				return Block{}, err
			case res.Failed:
				out = compare.Outcome{Field: field, Verdict: model.VerdictNotAttempted, Comment: field + ": extraction failed: " + res.Reasoning}
			default:
				out = compare.Categorical(field, recorded.StringValue(), res.AnswerString())
			}
		}
		block.Fields[field] = out.Finding()
		outcomes = append(outcomes, out)
	}

	block.Finding = compare.Aggregate(outcomes...).Finding()
	return Block{name: group.Name, general: block}, nil
}

// buildNumeric reviews one numeric template, one extraction per KPI table.
func buildNumeric(ctx context.Context, env *groupEnv, group Group) (Block, error) {
	layout := group.Layout
	tmpl, ok := env.deps.Templates.Lookup(layout.Name)
	if !ok {
		return Block{}, eris.Errorf("review: no template for %s", layout.Name)
	}

	block := &model.TemplateBlock{KPIs: make(map[string]*model.KPIBlock, len(model.KPIs))}
	kpiOutcomes := make([]compare.Outcome, 0, len(model.KPIs))
	for _, kpi := range model.KPIs {
		kb, out, err := buildKPI(ctx, env, tmpl, layout, kpi)
		if err != nil {
			return Block{}, err
		}
		block.KPIs[kpi] = kb
		kpiOutcomes = append(kpiOutcomes, out)
	}
	block.Finding = compare.Aggregate(kpiOutcomes...).Finding()
	return Block{name: group.Name, template: block}, nil
}

func buildKPI(ctx context.Context, env *groupEnv, tmpl *templates.Template, layout model.TemplateLayout, kpi string) (*model.KPIBlock, compare.Outcome, error) {
	key := layout.FieldKey(kpi)
	notAttempted := func(comment string) (*model.KPIBlock, compare.Outcome, error) {
		out := compare.Outcome{Field: kpi, Verdict: model.VerdictNotAttempted, Comment: comment}
		return &model.KPIBlock{Finding: out.Finding()}, out, nil
	}

	field, ok := env.dataset.Fields[key]
	if !ok || len(field.Value) == 0 {
		return notAttempted(key + ": missing value")
	}
	var recorded map[string]map[string]any
	if err := json.Unmarshal(field.Value, &recorded); err != nil {
		return notAttempted(key + ": recorded value is not a template table")
	}

	data := env.promptData(key, layout.Name)
	data.KPI = kpi
	data.TemplateNumber = layout.Number
	data.Rows = layout.Rows
	data.Subcategories = layout.Subcategories
	res, err := env.extract(ctx, tmpl, data)
	if err != nil {
		return nil, compare.Outcome{}, err
	}
	if res.Failed {
		return notAttempted(key + ": extraction failed: " + res.Reasoning)
	}
	predicted, ok := res.PredictedAnswer.(map[string]any)
	if !ok {
		return notAttempted(fmt.Sprintf("%s: unexpected answer shape %T", key, res.PredictedAnswer))
	}

	eps := env.deps.Tolerances.For(layout.Name)
	kb := &model.KPIBlock{Rows: make(map[string]map[string]model.Finding)}
	var cells []compare.Outcome
	for _, row := range layout.Rows {
		extRow, _ := predicted[row].(map[string]any)
		for _, sub := range layout.Subcategories {
			rec := recorded[row][sub]
			ext := extRow[sub]
			if rec == nil && ext == nil {
				continue
			}
			out := compare.Numeric(fmt.Sprintf("%s.%s.%s", kpi, row, sub), rec, ext, eps)
			if kb.Rows[row] == nil {
				kb.Rows[row] = make(map[string]model.Finding, len(layout.Subcategories))
			}
			kb.Rows[row][sub] = out.Finding()
			cells = append(cells, out)
		}
	}

	out := compare.Aggregate(cells...)
	out.Field = kpi
	if len(cells) == 0 {
		out.Comment = key + ": no cells to compare"
	}
	kb.Finding = out.Finding()
	return kb, out, nil
}
