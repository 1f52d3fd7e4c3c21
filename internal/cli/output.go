package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// printer renders command results as indented JSON or an aligned table.
type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) *printer {
	return &printer{format: o.Format, w: w}
}

// print writes data as JSON, or the rows under header in text mode.
func (p *printer) print(data interface{}, header []string, rows [][]string) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	writeRow(tw, header)
	for _, row := range rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
