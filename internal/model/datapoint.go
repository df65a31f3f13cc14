package model

import "encoding/json"

// Provenance points a recorded value back into its source document.
type Provenance struct {
	FileReference string `json:"file_reference"`
	FileName      string `json:"file_name,omitempty"`
	Page          string `json:"page,omitempty"` // "12" or an inclusive range "58-59"
}

// DataPoint is a single field snapshot fetched from the source of truth.
type DataPoint struct {
	ID              string      `json:"id"`
	DatasetID       string      `json:"dataset_id,omitempty"`
	CompanyID       string      `json:"company_id,omitempty"`
	ReportingPeriod string      `json:"reporting_period,omitempty"`
	Type            string      `json:"type"`
	Value           string      `json:"value"`
	Provenance      *Provenance `json:"provenance,omitempty"`
}

// DatasetField is one field of a dataset. Value holds raw JSON: a string for
// yes/no fields, an object of rows for numeric template fields.
type DatasetField struct {
	Value      json.RawMessage `json:"value,omitempty"`
	DataSource *Provenance     `json:"data_source,omitempty"`
}

// StringValue decodes the field value as a string. Non-string values are
// returned in their JSON form; null or missing values return "".
func (f DatasetField) StringValue() string {
	if len(f.Value) == 0 || string(f.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	return string(f.Value)
}

// Dataset is a full disclosure record composed of many fields.
type Dataset struct {
	ID              string                  `json:"id"`
	CompanyID       string                  `json:"company_id,omitempty"`
	ReportingPeriod string                  `json:"reporting_period,omitempty"`
	Fields          map[string]DatasetField `json:"fields"`
}

// SourcesFor returns the datasources of the given field keys only.
func (d *Dataset) SourcesFor(keys []string) map[string]*Provenance {
	out := make(map[string]*Provenance, len(keys))
	for _, k := range keys {
		if f, ok := d.Fields[k]; ok {
			out[k] = f.DataSource
		}
	}
	return out
}

// ItemKind distinguishes the two kinds of pending work.
type ItemKind string

const (
	ItemKindDataset   ItemKind = "dataset"
	ItemKindDatapoint ItemKind = "datapoint"
)

// PendingItem is one unit of work returned by the source of truth backlog.
type PendingItem struct {
	ID       string   `json:"id"`
	Kind     ItemKind `json:"kind"`
	DataType string   `json:"data_type,omitempty"`
}
