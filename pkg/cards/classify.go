package cards

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Classification is the classifier's verdict for one card.
type Classification struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Position string `json:"position"`
	Rotation string `json:"rotation"`
}

var classificationHeader = []string{"filename", "type", "position", "rotation"}

// WriteClassifications writes rows sorted by filename.
func WriteClassifications(path string, rows []Classification) error {
	sorted := append([]Classification(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	t := NewTable(classificationHeader...)
	for _, c := range sorted {
		t.Rows = append(t.Rows, []string{c.Filename, c.Type, c.Position, c.Rotation})
	}
	return WriteTable(path, t)
}

// ReadClassifications loads a classifications table keyed by filename.
// Tables written with an "image" column instead of "filename" are accepted.
func ReadClassifications(path string) (map[string]Classification, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	key := "filename"
	if t.Column(key) < 0 {
		key = "image"
	}
	if t.Column(key) < 0 {
		return nil, fmt.Errorf("%s: no filename column", path)
	}

	out := make(map[string]Classification, t.Len())
	for i := range t.Rows {
		c := Classification{
			Filename: t.Get(i, key),
			Type:     t.Get(i, "type"),
			Position: t.Get(i, "position"),
			Rotation: t.Get(i, "rotation"),
		}
		if c.Filename != "" {
			out[c.Filename] = c
		}
	}
	return out, nil
}

// SetCardType overrides the type of one card in a classifications table,
// adding a row when the card has not been classified.
func SetCardType(path, filename, cardType string) error {
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("%w: name %q", ErrInvalidCard, filename)
	}
	rows, err := ReadClassifications(path)
	if errors.Is(err, ErrNoTable) {
		rows = map[string]Classification{}
	} else if err != nil {
		return err
	}

	c := rows[filename]
	c.Filename = filename
	c.Type = cardType
	rows[filename] = c

	list := make([]Classification, 0, len(rows))
	for _, r := range rows {
		list = append(list, r)
	}
	return WriteClassifications(path, list)
}

// Stem returns name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
