// Package pdf extracts page images from scanned PDFs into a project's
// images folder.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"

	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
)

// ErrInvalidPDF wraps validation failures of the input document.
var ErrInvalidPDF = errors.New("invalid pdf")

// PageImage is one embedded image in page order.
type PageImage struct {
	Page int
	Ext  string
	Data io.Reader
}

// imageSource streams the embedded images of a PDF to fn.
type imageSource func(ctx context.Context, pdfPath string, conf *model.Configuration, fn func(PageImage) error) error

// Extractor writes the images of a PDF as numbered files.
type Extractor struct {
	conf   *model.Configuration
	log    zerolog.Logger
	source imageSource
}

// NewExtractor returns an Extractor using pdfcpu in relaxed validation mode.
func NewExtractor(log zerolog.Logger) *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{conf: conf, log: log, source: pdfcpuImages}
}

// Process extracts every image of pdfPath into outputDir as
// <project>_<pdf stem>_<NNN>.<ext>. With splitPages each PNG or JPEG is cut
// into left and right halves (<NNN>a.png, <NNN>b.png). It returns the number
// of files written.
func (e *Extractor) Process(ctx context.Context, pdfPath, outputDir string, splitPages bool, projectName string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("creating output folder: %w", err)
	}

	prefix := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	if projectName != "" {
		prefix = store.SanitizeName(projectName) + "_" + prefix
	}

	seq, written := 0, 0
	err := e.source(ctx, pdfPath, e.conf, func(img PageImage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq++
		base := fmt.Sprintf("%s_%03d", prefix, seq)
		ext := normalizeExt(img.Ext)

		if splitPages && (ext == "png" || ext == "jpg") {
			n, err := writeHalves(outputDir, base, img.Data)
			if err != nil {
				return fmt.Errorf("splitting page %d: %w", img.Page, err)
			}
			written += n
			return nil
		}

		err := fsutil.WriteFileAtomic(filepath.Join(outputDir, base+"."+ext), 0644, func(w io.Writer) error {
			_, err := io.Copy(w, img.Data)
			return err
		})
		if err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, err
	}

	e.log.Info().Str("pdf", filepath.Base(pdfPath)).Int("images", written).Msg("pdf images extracted")
	return written, nil
}

func pdfcpuImages(ctx context.Context, pdfPath string, conf *model.Configuration, fn func(PageImage) error) error {
	if err := api.ValidateFile(pdfPath, conf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	f, err := os.Open(pdfPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return api.ExtractImages(f, nil, func(img model.Image, _ bool, _ int) error {
		return fn(PageImage{Page: img.PageNr, Ext: img.FileType, Data: img})
	}, conf)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "":
		return "png"
	}
	return ext
}

// writeHalves cuts a double-page scan down the middle.
func writeHalves(dir, base string, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}

	b := img.Bounds()
	mid := b.Min.X + b.Dx()/2
	halves := []struct {
		suffix string
		rect   image.Rectangle
	}{
		{"a", image.Rect(b.Min.X, b.Min.Y, mid, b.Max.Y)},
		{"b", image.Rect(mid, b.Min.Y, b.Max.X, b.Max.Y)},
	}
	for _, h := range halves {
		dst := image.NewRGBA(image.Rect(0, 0, h.rect.Dx(), h.rect.Dy()))
		draw.Draw(dst, dst.Bounds(), img, h.rect.Min, draw.Src)
		err := fsutil.WriteFileAtomic(filepath.Join(dir, base+h.suffix+".png"), 0644, func(w io.Writer) error {
			return png.Encode(w, dst)
		})
		if err != nil {
			return 0, err
		}
	}
	return len(halves), nil
}
