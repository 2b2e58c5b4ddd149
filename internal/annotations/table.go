package annotations

import "strconv"

// Columns is the fixed header of every Table.
var Columns = []string{"filename", "cell_type", "xmin", "xmax", "ymin", "ymax"}

// Row is one labeled object flattened together with its image filename.
type Row struct {
	Filename  string
	ClassName string
	XMin      int
	XMax      int
	YMin      int
	YMax      int
}

func newRow(filename string, obj Object) Row {
	return Row{
		Filename:  filename,
		ClassName: obj.ClassName,
		XMin:      obj.Box.XMin,
		XMax:      obj.Box.XMax,
		YMin:      obj.Box.YMin,
		YMax:      obj.Box.YMax,
	}
}

// Record returns the row as strings in Columns order.
func (r Row) Record() []string {
	return []string{
		r.Filename,
		r.ClassName,
		strconv.Itoa(r.XMin),
		strconv.Itoa(r.XMax),
		strconv.Itoa(r.YMin),
		strconv.Itoa(r.YMax),
	}
}

// Table is the ordered result of an extraction: rows grouped by document in
// input order, and by source order within a document.
type Table struct {
	Rows      []Row
	Documents int
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Records returns the header followed by every row, ready for a CSV writer.
func (t *Table) Records() [][]string {
	records := make([][]string, 0, len(t.Rows)+1)
	header := make([]string, len(Columns))
	copy(header, Columns)
	records = append(records, header)
	for _, r := range t.Rows {
		records = append(records, r.Record())
	}
	return records
}

// ClassCounts tallies rows per class name.
func (t *Table) ClassCounts() map[string]int {
	counts := make(map[string]int)
	for _, r := range t.Rows {
		counts[r.ClassName]++
	}
	return counts
}
