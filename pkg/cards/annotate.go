package cards

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pypottery/lens/pkg/fsutil"
)

// IDColumn replaces mask_file and file in the per-image view of mask_info.csv.
const IDColumn = "ID"

const maskLayer = "_mask_layer_"

// AnnotatedImages returns the source images that have rows in t, sorted.
func AnnotatedImages(t *Table) []string {
	seen := map[string]bool{}
	var out []string
	for i := range t.Rows {
		img := t.Get(i, "file")
		if img == "" || seen[img] {
			continue
		}
		seen[img] = true
		out = append(out, img)
	}
	sort.Strings(out)
	return out
}

// ImageRows returns the rows of image keyed by column, with mask_file and
// file folded into an ID column. columns lists ID first, then the remaining
// header in table order.
func ImageRows(t *Table, image string) (columns []string, rows []map[string]string) {
	columns = []string{IDColumn}
	for _, h := range t.Header {
		if h != "mask_file" && h != "file" && h != IDColumn {
			columns = append(columns, h)
		}
	}
	rows = []map[string]string{}
	for i := range t.Rows {
		if t.Get(i, "file") != image {
			continue
		}
		rec := t.Record(i)
		rec[IDColumn] = CardID(rec["mask_file"])
		delete(rec, "mask_file")
		delete(rec, "file")
		rows = append(rows, rec)
	}
	return columns, rows
}

// ReplaceImageRows drops the rows of image and appends rows in their place.
// Each row's file is set to image and a missing mask_file is derived from its
// ID, so edited rows keep matching the card files.
func ReplaceImageRows(t *Table, image string, rows []map[string]string) error {
	if image == "" || strings.ContainsAny(image, `/\`) {
		return fmt.Errorf("%w: image %q", ErrInvalidCard, image)
	}
	prepared := make([]map[string]string, 0, len(rows))
	for n, row := range rows {
		rec := make(map[string]string, len(row)+2)
		for k, v := range row {
			if k != "" && k != IDColumn {
				rec[k] = v
			}
		}
		rec["file"] = image
		if rec["mask_file"] == "" {
			id := strings.TrimSpace(row[IDColumn])
			if id == "" {
				return fmt.Errorf("%w: row %d has neither ID nor mask_file", ErrInvalidCard, n)
			}
			if strings.ContainsAny(id, `/\`) {
				return fmt.Errorf("%w: ID %q", ErrInvalidCard, id)
			}
			rec["mask_file"] = Stem(image) + maskLayer + id + ".png"
		}
		prepared = append(prepared, rec)
	}

	for _, col := range []string{"mask_file", "file"} {
		t.AddColumn(col)
	}
	var extra []string
	for _, rec := range prepared {
		for k := range rec {
			if t.Column(k) < 0 {
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	for _, col := range extra {
		t.AddColumn(col)
	}

	dropRows(t, image)
	for _, rec := range prepared {
		t.Append(rec)
	}
	return nil
}

// CardID returns the region number of a card name such as
// page_001_mask_layer_3.png, or "0" when the name has none.
func CardID(maskFile string) string {
	i := strings.LastIndex(maskFile, maskLayer)
	if i < 0 {
		return "0"
	}
	return Stem(maskFile[i+len(maskLayer):])
}

// ParseBBox reads a bbox cell written as "x1,y1,x2,y2", with or without
// surrounding parentheses.
func ParseBBox(s string) ([4]int, bool) {
	var box [4]int
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "()"), ",")
	if len(parts) != 4 {
		return box, false
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return box, false
		}
		box[i] = v
	}
	return box, true
}

// ExportMaskInfo copies the mask_info.csv of cardsDir to dst. A missing table
// wraps ErrNoTable.
func ExportMaskInfo(cardsDir, dst string) error {
	src := filepath.Join(cardsDir, MaskInfoFile)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNoTable, src)
	}
	return fsutil.CopyFile(src, dst)
}
