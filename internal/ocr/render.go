package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"

	"github.com/sells-group/datapoint-review/internal/config"
)

// Renderer turns PDF pages into PNG images for vision models.
type Renderer struct {
	binPath  string
	dpi      int
	maxWidth int
}

// NewRenderer creates a pdftoppm-backed renderer.
func NewRenderer(cfg config.OCRConfig) *Renderer {
	r := &Renderer{binPath: cfg.PdfToPPMPath, dpi: cfg.RenderDPI, maxWidth: cfg.MaxImageWidth}
	if r.binPath == "" {
		r.binPath = "pdftoppm"
	}
	if r.dpi <= 0 {
		r.dpi = 150
	}
	return r
}

// RenderPages renders the given 1-based pages of pdf to PNG, in the order
// requested. Images wider than the configured maximum are downscaled.
func (r *Renderer) RenderPages(ctx context.Context, pdf []byte, pages []int) ([][]byte, error) {
	path, cleanup, err := writeTemp(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	tmpDir, err := os.MkdirTemp("", "review-render-*")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create render dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	out := make([][]byte, 0, len(pages))
	for _, p := range pages {
		prefix := filepath.Join(tmpDir, fmt.Sprintf("page-%d", p))
		pageStr := strconv.Itoa(p)
		cmd := exec.CommandContext(ctx, r.binPath,
			"-png",
			"-f", pageStr,
			"-l", pageStr,
			"-r", strconv.Itoa(r.dpi),
			"-singlefile",
			path,
			prefix,
		)
		if output, err := cmd.CombinedOutput(); err != nil {
			return nil, eris.Wrapf(err, "ocr: pdftoppm page %d: %s", p, string(output))
		}

		data, err := os.ReadFile(prefix + ".png")
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: read rendered page %d", p)
		}
		data, err = Downscale(data, r.maxWidth)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: downscale page %d", p)
		}
		out = append(out, data)
	}
	return out, nil
}

// Downscale re-encodes a PNG no wider than maxWidth, keeping the aspect ratio.
// Images already within bounds, or a non-positive maxWidth, return data as is.
func Downscale(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		return data, nil
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: decode png")
	}
	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return data, nil
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, eris.Wrap(err, "ocr: encode png")
	}
	return buf.Bytes(), nil
}
