package cards

import "fmt"

// Merge left-joins the classifications onto mask_info rows by card name
// (mask_file == filename) and writes the result to outPath. Rows without a
// classification keep empty type, position and rotation. It returns the
// number of merged rows.
func Merge(maskInfoPath, classificationsPath, outPath string) (int, error) {
	info, err := ReadTable(maskInfoPath)
	if err != nil {
		return 0, err
	}
	if info.Column("mask_file") < 0 {
		return 0, fmt.Errorf("%s: no mask_file column", maskInfoPath)
	}
	classes, err := ReadClassifications(classificationsPath)
	if err != nil {
		return 0, err
	}

	for _, col := range []string{"type", "position", "rotation"} {
		info.AddColumn(col)
	}
	for i := range info.Rows {
		c, ok := classes[info.Get(i, "mask_file")]
		if !ok {
			continue
		}
		info.Set(i, "type", c.Type)
		info.Set(i, "position", c.Position)
		info.Set(i, "rotation", c.Rotation)
	}

	if err := WriteTable(outPath, info); err != nil {
		return 0, err
	}
	return info.Len(), nil
}
