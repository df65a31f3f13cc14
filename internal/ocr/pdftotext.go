package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractPages writes the PDF to a temp file, runs pdftotext -layout on it and
// splits stdout into pages.
func (p *PdfToText) ExtractPages(ctx context.Context, pdf []byte) ([]string, error) {
	path, cleanup, err := writeTemp(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}

	return splitFormFeed(stdout.String()), nil
}

func writeTemp(pdf []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "review-*.pdf")
	if err != nil {
		return "", nil, eris.Wrap(err, "ocr: create temp file")
	}
	cleanup := func() { os.Remove(f.Name()) } //nolint:errcheck
	if _, err := f.Write(pdf); err != nil {
		f.Close() //nolint:errcheck
		cleanup()
		return "", nil, eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "ocr: close temp file")
	}
	return f.Name(), cleanup, nil
}
