package cards

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/pypottery/lens/pkg/fsutil"
)

// ErrInvalidCard is returned for card names or edits that cannot apply.
var ErrInvalidCard = errors.New("invalid card")

// FlipDirection selects the mirror axis.
type FlipDirection string

const (
	FlipVertical   FlipDirection = "vertical"
	FlipHorizontal FlipDirection = "horizontal"
)

// FlipCard mirrors card name and saves it into modifiedDir. An existing
// modified copy is flipped in preference to the original so flips accumulate.
func FlipCard(cardsDir, modifiedDir, name string, dir FlipDirection) error {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: name %q", ErrInvalidCard, name)
	}
	if dir != FlipVertical && dir != FlipHorizontal {
		return fmt.Errorf("%w: flip direction %q", ErrInvalidCard, dir)
	}

	src := filepath.Join(modifiedDir, name)
	if _, err := os.Stat(src); err != nil {
		src = filepath.Join(cardsDir, name)
	}
	img, err := decodeFile(src)
	if err != nil {
		return err
	}

	flipped := Flip(img, dir)
	if err := os.MkdirAll(modifiedDir, 0755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(modifiedDir, name), 0644, func(w io.Writer) error {
		return png.Encode(w, flipped)
	})
}

// Flip returns a mirrored copy of img.
func Flip(img image.Image, dir FlipDirection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			sx, sy := x, y
			if dir == FlipHorizontal {
				sx = b.Dx() - 1 - x
			} else {
				sy = b.Dy() - 1 - y
			}
			out.Set(x, y, img.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return out
}
