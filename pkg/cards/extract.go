package cards

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
)

// MaskSuffix marks a detector output: <image stem>_mask_layer.png.
const MaskSuffix = "_mask_layer.png"

// DefaultMinArea drops specks left by the detector.
const DefaultMinArea = 64

// ErrNoMasks is returned when a masks folder has nothing to extract.
var ErrNoMasks = errors.New("no mask files found")

// ProgressFunc is called after each item of a batch.
type ProgressFunc func(current, total int, item string)

// Extractor cuts one card per connected mask region out of the source image.
type Extractor struct {
	MinArea int
	log     zerolog.Logger
}

// NewExtractor returns an Extractor. minArea <= 0 uses DefaultMinArea.
func NewExtractor(minArea int, log zerolog.Logger) *Extractor {
	if minArea <= 0 {
		minArea = DefaultMinArea
	}
	return &Extractor{MinArea: minArea, log: log}
}

// Region is a connected foreground area of a mask.
type Region struct {
	Bounds image.Rectangle
	Area   int
}

// CardName is the file name of region n of a source image.
func CardName(source string, n int) string {
	return fmt.Sprintf("%s_mask_layer_%d.png", Stem(source), n)
}

// Extract processes every mask in masksDir, skipping masks whose source image
// is in skip. Cards and mask_info.csv are written into cardsDir.
func (e *Extractor) Extract(ctx context.Context, masksDir, imagesDir, cardsDir string, skip map[string]bool, progress ProgressFunc) (string, error) {
	masks, err := listMasks(masksDir)
	if err != nil {
		return "", err
	}
	if len(masks) == 0 {
		return "", ErrNoMasks
	}
	images, err := indexImages(imagesDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cardsDir, 0755); err != nil {
		return "", fmt.Errorf("creating cards folder: %w", err)
	}

	info, err := loadMaskInfo(filepath.Join(cardsDir, MaskInfoFile))
	if err != nil {
		return "", err
	}

	var processed, written int
	for i, mask := range masks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if progress != nil {
			progress(i+1, len(masks), mask)
		}

		stem := strings.TrimSuffix(mask, MaskSuffix)
		source, ok := images[stem]
		if !ok {
			e.log.Warn().Str("mask", mask).Msg("no source image for mask")
			continue
		}
		if skip[source] {
			e.log.Debug().Str("image", source).Msg("skipping excluded image")
			continue
		}

		n, err := e.extractOne(filepath.Join(masksDir, mask), filepath.Join(imagesDir, source), source, cardsDir, info)
		if err != nil {
			return "", fmt.Errorf("extracting %s: %w", mask, err)
		}
		processed++
		written += n
	}

	if err := WriteTable(filepath.Join(cardsDir, MaskInfoFile), info); err != nil {
		return "", err
	}
	return fmt.Sprintf("Extracted %d cards from %d masks", written, processed), nil
}

func (e *Extractor) extractOne(maskPath, imagePath, source, cardsDir string, info *Table) (int, error) {
	mask, err := decodeFile(maskPath)
	if err != nil {
		return 0, err
	}
	img, err := decodeFile(imagePath)
	if err != nil {
		return 0, err
	}

	if err := removeCards(cardsDir, source); err != nil {
		return 0, err
	}
	dropRows(info, source)

	regions := LabelRegions(mask, e.MinArea)
	sx := float64(img.Bounds().Dx()) / float64(mask.Bounds().Dx())
	sy := float64(img.Bounds().Dy()) / float64(mask.Bounds().Dy())

	written := 0
	for n, r := range regions {
		box := scaleRect(r.Bounds.Sub(mask.Bounds().Min), sx, sy).Add(img.Bounds().Min).Intersect(img.Bounds())
		if box.Empty() {
			continue
		}
		name := CardName(source, n)
		card := Crop(img, box)
		err := fsutil.WriteFileAtomic(filepath.Join(cardsDir, name), 0644, func(w io.Writer) error {
			return png.Encode(w, card)
		})
		if err != nil {
			return 0, err
		}
		rel := box.Sub(img.Bounds().Min)
		info.Append(map[string]string{
			"mask_file": name,
			"file":      source,
			"bbox":      fmt.Sprintf("%d,%d,%d,%d", rel.Min.X, rel.Min.Y, rel.Max.X, rel.Max.Y),
		})
		written++
	}
	e.log.Debug().Str("image", source).Int("cards", written).Msg("cards extracted")
	return written, nil
}

// LabelRegions finds 4-connected foreground regions of at least minArea
// pixels, ordered top to bottom then left to right.
func LabelRegions(m image.Image, minArea int) []Region {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	fg := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fg[y*w+x] = isForeground(m, b.Min.X+x, b.Min.Y+y)
		}
	}

	var regions []Region
	seen := make([]bool, w*h)
	var stack []int
	for start := range fg {
		if !fg[start] || seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		minX, minY, maxX, maxY := w, h, -1, -1
		area := 0
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			area++
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for _, q := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if q[0] < 0 || q[0] >= w || q[1] < 0 || q[1] >= h {
					continue
				}
				i := q[1]*w + q[0]
				if fg[i] && !seen[i] {
					seen[i] = true
					stack = append(stack, i)
				}
			}
		}
		if area < minArea {
			continue
		}
		regions = append(regions, Region{
			Bounds: image.Rect(minX, minY, maxX+1, maxY+1).Add(b.Min),
			Area:   area,
		})
	}

	sort.SliceStable(regions, func(i, j int) bool {
		a, b := regions[i].Bounds.Min, regions[j].Bounds.Min
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return regions
}

func isForeground(m image.Image, x, y int) bool {
	r, g, b, a := m.At(x, y).RGBA()
	if a < 0x8000 {
		return false
	}
	return r >= 0x8000 || g >= 0x8000 || b >= 0x8000
}

// Crop copies r out of img into a new RGBA image.
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

func scaleRect(r image.Rectangle, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(math.Floor(float64(r.Min.X)*sx)),
		int(math.Floor(float64(r.Min.Y)*sy)),
		int(math.Ceil(float64(r.Max.X)*sx)),
		int(math.Ceil(float64(r.Max.Y)*sy)),
	)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func listMasks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var masks []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), MaskSuffix) {
			masks = append(masks, e.Name())
		}
	}
	sort.Strings(masks)
	return masks, nil
}

// indexImages maps image stems to file names.
func indexImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && store.IsImageFile(e.Name()) {
			out[Stem(e.Name())] = e.Name()
		}
	}
	return out, nil
}

func loadMaskInfo(path string) (*Table, error) {
	t, err := ReadTable(path)
	if errors.Is(err, ErrNoTable) {
		return NewTable("mask_file", "file", "bbox"), nil
	}
	if err != nil {
		return nil, err
	}
	for _, col := range []string{"mask_file", "file", "bbox"} {
		t.AddColumn(col)
	}
	return t, nil
}

// dropRows removes the rows of a re-extracted image so reruns replace them.
func dropRows(t *Table, source string) {
	kept := t.Rows[:0]
	for i := range t.Rows {
		if t.Get(i, "file") != source {
			kept = append(kept, t.Rows[i])
		}
	}
	t.Rows = kept
}

func removeCards(cardsDir, source string) error {
	prefix := Stem(source) + "_mask_layer_"
	entries, err := os.ReadDir(cardsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.EqualFold(filepath.Ext(name), ".png") {
			continue
		}
		// only <prefix><digits>.png so another image's stem is never hit
		idx := strings.TrimSuffix(strings.TrimPrefix(name, prefix), filepath.Ext(name))
		if idx == "" || strings.Trim(idx, "0123456789") != "" {
			continue
		}
		if err := os.Remove(filepath.Join(cardsDir, name)); err != nil {
			return err
		}
	}
	return nil
}
