package ocr

import (
	"bytes"
	"slices"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageCount returns the number of pages in pdf.
func PageCount(pdf []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), pdfConfig())
	if err != nil {
		return 0, eris.Wrap(err, "ocr: count pdf pages")
	}
	return n, nil
}

// Subset builds a reduced PDF holding only the requested 1-based pages, in
// ascending order. Pages past the end of the document are dropped; the pages
// actually kept are returned alongside the new PDF. When none of the pages
// exist, both results are empty and the error is nil.
func Subset(pdf []byte, pages []int) ([]byte, []int, error) {
	total, err := PageCount(pdf)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[int]bool, len(pages))
	var kept []int
	var selection []string
	for _, p := range pages {
		if p < 1 || p > total || seen[p] {
			continue
		}
		seen[p] = true
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return nil, nil, nil
	}
	slices.Sort(kept)
	for _, p := range kept {
		selection = append(selection, strconv.Itoa(p))
	}

	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(pdf), &out, selection, pdfConfig()); err != nil {
		return nil, nil, eris.Wrap(err, "ocr: trim pdf")
	}
	return out.Bytes(), kept, nil
}
