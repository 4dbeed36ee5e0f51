package cards

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// maskWith paints white rectangles on a black w x h mask.
func maskWith(w, h int, rects ...image.Rectangle) *image.RGBA {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, color.Black)
		}
	}
	for _, r := range rects {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				m.Set(x, y, color.White)
			}
		}
	}
	return m
}

func TestLabelRegions(t *testing.T) {
	m := maskWith(20, 20,
		image.Rect(10, 12, 14, 16),
		image.Rect(1, 1, 6, 6),
		image.Rect(18, 0, 19, 1), // speck
	)

	regions := LabelRegions(m, 4)
	require.Len(t, regions, 2)
	assert.Equal(t, image.Rect(1, 1, 6, 6), regions[0].Bounds)
	assert.Equal(t, 25, regions[0].Area)
	assert.Equal(t, image.Rect(10, 12, 14, 16), regions[1].Bounds)

	assert.Len(t, LabelRegions(m, 1), 3)
}

func TestLabelRegionsDiagonalIsSeparate(t *testing.T) {
	m := maskWith(4, 4, image.Rect(0, 0, 1, 1), image.Rect(1, 1, 2, 2))
	assert.Len(t, LabelRegions(m, 1), 2)
}

func setupExtract(t *testing.T) (masks, images, cardsDir string) {
	t.Helper()
	root := t.TempDir()
	masks = filepath.Join(root, "masks")
	images = filepath.Join(root, "images")
	cardsDir = filepath.Join(root, "cards")
	require.NoError(t, os.MkdirAll(masks, 0755))
	require.NoError(t, os.MkdirAll(images, 0755))

	src := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	writePNG(t, filepath.Join(images, "page_001.png"), src)
	writePNG(t, filepath.Join(images, "page_002.png"), src)

	// masks are half resolution
	writePNG(t, filepath.Join(masks, "page_001"+MaskSuffix), maskWith(20, 20, image.Rect(2, 2, 6, 6), image.Rect(10, 10, 18, 14)))
	writePNG(t, filepath.Join(masks, "page_002"+MaskSuffix), maskWith(20, 20, image.Rect(0, 0, 10, 10)))
	writePNG(t, filepath.Join(masks, "orphan"+MaskSuffix), maskWith(20, 20, image.Rect(0, 0, 10, 10)))
	return masks, images, cardsDir
}

func TestExtract(t *testing.T) {
	masks, images, cardsDir := setupExtract(t)
	e := NewExtractor(4, zerolog.Nop())

	var calls int
	msg, err := e.Extract(context.Background(), masks, images, cardsDir, nil, func(current, total int, item string) {
		calls++
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)
	assert.Equal(t, "Extracted 3 cards from 2 masks", msg)
	assert.Equal(t, 3, calls)

	f, err := os.Open(filepath.Join(cardsDir, "page_001_mask_layer_0.png"))
	require.NoError(t, err)
	card, err := png.Decode(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, 8, card.Bounds().Dx())
	r, g, _, _ := card.At(0, 0).RGBA()
	assert.Equal(t, uint32(4), r>>8)
	assert.Equal(t, uint32(4), g>>8)

	info, err := ReadTable(filepath.Join(cardsDir, MaskInfoFile))
	require.NoError(t, err)
	require.Equal(t, 3, info.Len())
	assert.Equal(t, []string{"mask_file", "file", "bbox"}, info.Header)
	assert.Equal(t, "page_001_mask_layer_0.png", info.Get(0, "mask_file"))
	assert.Equal(t, "page_001.png", info.Get(0, "file"))
	assert.Equal(t, "4,4,12,12", info.Get(0, "bbox"))
	assert.Equal(t, "20,20,36,28", info.Get(1, "bbox"))
}

func TestExtractSkipsExcludedAndReplacesOnRerun(t *testing.T) {
	masks, images, cardsDir := setupExtract(t)
	e := NewExtractor(4, zerolog.Nop())

	_, err := e.Extract(context.Background(), masks, images, cardsDir, nil, nil)
	require.NoError(t, err)

	// annotate a row, then re-extract only page_001 with a single region
	info, err := ReadTable(filepath.Join(cardsDir, MaskInfoFile))
	require.NoError(t, err)
	info.AddColumn("period")
	info.Set(2, "period", "Bronze Age")
	require.NoError(t, WriteTable(filepath.Join(cardsDir, MaskInfoFile), info))

	writePNG(t, filepath.Join(masks, "page_001"+MaskSuffix), maskWith(20, 20, image.Rect(2, 2, 6, 6)))
	msg, err := e.Extract(context.Background(), masks, images, cardsDir, map[string]bool{"page_002.png": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Extracted 1 cards from 1 masks", msg)

	_, err = os.Stat(filepath.Join(cardsDir, "page_001_mask_layer_1.png"))
	assert.True(t, os.IsNotExist(err), "stale card removed")

	info, err = ReadTable(filepath.Join(cardsDir, MaskInfoFile))
	require.NoError(t, err)
	require.Equal(t, 2, info.Len())
	assert.Equal(t, "page_002.png", info.Get(0, "file"))
	assert.Equal(t, "Bronze Age", info.Get(0, "period"))
	assert.Equal(t, "page_001_mask_layer_0.png", info.Get(1, "mask_file"))
}

func TestExtractNoMasks(t *testing.T) {
	dir := t.TempDir()
	_, err := NewExtractor(0, zerolog.Nop()).Extract(context.Background(), dir, dir, filepath.Join(dir, "cards"), nil, nil)
	assert.ErrorIs(t, err, ErrNoMasks)
}

func TestExtractCancelled(t *testing.T) {
	masks, images, cardsDir := setupExtract(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor(4, zerolog.Nop()).Extract(ctx, masks, images, cardsDir, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()
	info := NewTable("mask_file", "file", "bbox")
	info.Append(map[string]string{"mask_file": "a_mask_layer_0.png", "file": "a.png", "bbox": "0,0,1,1"})
	info.Append(map[string]string{"mask_file": "a_mask_layer_1.png", "file": "a.png", "bbox": "1,1,2,2"})
	require.NoError(t, WriteTable(filepath.Join(dir, MaskInfoFile), info))
	require.NoError(t, WriteClassifications(filepath.Join(dir, ClassificationsFile), []Classification{
		{Filename: "a_mask_layer_1.png", Type: "ENT", Position: "top", Rotation: "0"},
	}))

	n, err := Merge(filepath.Join(dir, MaskInfoFile), filepath.Join(dir, ClassificationsFile), filepath.Join(dir, MergedFile))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	merged, err := ReadTable(filepath.Join(dir, MergedFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"mask_file", "file", "bbox", "type", "position", "rotation"}, merged.Header)
	assert.Equal(t, "", merged.Get(0, "type"))
	assert.Equal(t, "ENT", merged.Get(1, "type"))
	assert.Equal(t, "top", merged.Get(1, "position"))
}

func TestMergeMissingTables(t *testing.T) {
	dir := t.TempDir()
	_, err := Merge(filepath.Join(dir, MaskInfoFile), filepath.Join(dir, ClassificationsFile), filepath.Join(dir, MergedFile))
	assert.ErrorIs(t, err, ErrNoTable)
}

func TestClassificationsSortedAndTypeOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ClassificationsFile)
	require.NoError(t, WriteClassifications(path, []Classification{
		{Filename: "b.png", Type: "COMPL"},
		{Filename: "a.png", Type: "ENT"},
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "filename,type,position,rotation\na.png,ENT,,\nb.png,COMPL,,\n", string(data))

	require.NoError(t, SetCardType(path, "b.png", "ENT"))
	require.NoError(t, SetCardType(path, "c.png", "COMPL"))
	rows, err := ReadClassifications(path)
	require.NoError(t, err)
	assert.Equal(t, "ENT", rows["b.png"].Type)
	assert.Equal(t, "COMPL", rows["c.png"].Type)

	assert.Error(t, SetCardType(path, "../x.png", "ENT"))
}

func TestReadClassificationsImageColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), ClassificationsFile)
	require.NoError(t, os.WriteFile(path, []byte("image,type,is_correct\nx.png,ENT,True\n"), 0644))
	rows, err := ReadClassifications(path)
	require.NoError(t, err)
	assert.Equal(t, "ENT", rows["x.png"].Type)
}

func TestDecodeTableBOMAndShortRows(t *testing.T) {
	tbl, err := DecodeTable(strings.NewReader("\ufeffmask_file,file,bbox\na.png\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Column("mask_file"))
	assert.Equal(t, "a.png", tbl.Get(0, "mask_file"))
	assert.Equal(t, "", tbl.Get(0, "bbox"))
	assert.Equal(t, "", tbl.Get(0, "missing"))
}

func TestFlipCard(t *testing.T) {
	root := t.TempDir()
	cardsDir := filepath.Join(root, "cards")
	modified := filepath.Join(root, "cards_modified")
	require.NoError(t, os.MkdirAll(cardsDir, 0755))

	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{B: 255, A: 255})
	writePNG(t, filepath.Join(cardsDir, "c.png"), img)

	require.NoError(t, FlipCard(cardsDir, modified, "c.png", FlipHorizontal))
	f, err := os.Open(filepath.Join(modified, "c.png"))
	require.NoError(t, err)
	out, err := png.Decode(f)
	f.Close()
	require.NoError(t, err)
	_, _, b, _ := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), b)

	// flipping again starts from the modified copy
	require.NoError(t, FlipCard(cardsDir, modified, "c.png", FlipHorizontal))
	f, err = os.Open(filepath.Join(modified, "c.png"))
	require.NoError(t, err)
	out, err = png.Decode(f)
	f.Close()
	require.NoError(t, err)
	r, _, _, _ := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	assert.Error(t, FlipCard(cardsDir, modified, "../c.png", FlipVertical))
	assert.Error(t, FlipCard(cardsDir, modified, "c.png", "diagonal"))
}
