package export

import (
	"errors"
	"path/filepath"

	"github.com/pypottery/lens/pkg/cards"
)

// metadata is the per-card annotation table used to fill the export CSV.
type metadata struct {
	table *cards.Table
}

// loadMetadata reads merged_annotations.csv, falling back to mask_info.csv.
// Having neither is not an error.
func loadMetadata(cardsDir, modifiedDir string) (metadata, error) {
	for _, path := range []string{
		filepath.Join(modifiedDir, cards.MergedFile),
		filepath.Join(cardsDir, cards.MaskInfoFile),
	} {
		t, err := cards.ReadTable(path)
		if errors.Is(err, cards.ErrNoTable) {
			continue
		}
		if err != nil {
			return metadata{}, err
		}
		return metadata{table: t}, nil
	}
	return metadata{}, nil
}

// lookup finds the row for card, trying each identifying column in turn with
// an exact match first and then a match without image extensions.
func (m metadata) lookup(card string) map[string]string {
	if m.table == nil {
		return nil
	}
	stem := trimImageExt(card)
	for _, col := range matchColumns {
		if m.table.Column(col) < 0 {
			continue
		}
		for i := range m.table.Rows {
			if m.table.Get(i, col) == card {
				return m.table.Record(i)
			}
		}
		for i := range m.table.Rows {
			if trimImageExt(m.table.Get(i, col)) == stem {
				return m.table.Record(i)
			}
		}
	}
	return nil
}
