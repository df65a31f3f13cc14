// Package export writes dataset review reports to spreadsheets.
package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/datapoint-review/internal/model"
)

// Sheet names of an exported report.
const (
	FindingsSheet = "Findings"
	SummarySheet  = "Summary"
)

var findingsHeader = []string{"Path", "Verdict", "Quality", "Comment", "Corrected value"}

// Build lays out report as a workbook: one row per leaf finding plus a
// summary sheet with the verdict counts.
func Build(report *model.Report) (*xlsx.File, error) {
	f := xlsx.NewFile()

	findings, err := f.AddSheet(FindingsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add findings sheet")
	}
	addRow(findings, findingsHeader...)
	for _, leaf := range report.Leaves() {
		addRow(findings,
			leaf.Path,
			leaf.Finding.Verdict.String(),
			string(leaf.Finding.Quality),
			leaf.Finding.Comment,
			formatCorrection(leaf.Finding.CorrectedData),
		)
	}

	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add summary sheet")
	}
	counts := report.Counts()
	addRow(summary, "Dataset", report.DatasetID)
	addIntRow(summary, "Accepted", counts.Accepted)
	addIntRow(summary, "Rejected", counts.Rejected)
	addIntRow(summary, "Not attempted", counts.NotAttempted)
	return f, nil
}

// WriteReport writes report as XLSX to w.
func WriteReport(w io.Writer, report *model.Report) error {
	f, err := Build(report)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "xlsx: write report")
}

// SaveReport writes report as XLSX to path.
func SaveReport(path string, report *model.Report) error {
	f, err := Build(report)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addIntRow(sheet *xlsx.Sheet, label string, n int) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt(n)
}

// formatCorrection renders scalars as is and structured corrections as JSON.
func formatCorrection(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64, int, bool:
		return fmt.Sprint(c)
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(b)
	}
}
