package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"
)

// table renders rows as an aligned table on a terminal and as CSV otherwise,
// so output can be piped into other tools.
type table struct {
	w      io.Writer
	tty    bool
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{
		w:      os.Stdout,
		tty:    term.IsTerminal(int(os.Stdout.Fd())),
		header: header,
	}
}

func (t *table) append(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) render() error {
	if !t.tty {
		cw := csv.NewWriter(t.w)
		if err := cw.Write(t.header); err != nil {
			return err
		}
		if err := cw.WriteAll(t.rows); err != nil {
			return err
		}
		return cw.Error()
	}

	tw := tablewriter.NewWriter(t.w)
	tw.SetHeader(t.header)
	tw.SetAutoFormatHeaders(false)
	tw.SetBorder(false)
	tw.SetAlignment(tablewriter.ALIGN_RIGHT)
	tw.AppendBulk(t.rows)
	tw.Render()
	return nil
}

// resultTable renders generic SQL results, columns sorted by name.
func resultTable(rows []map[string]interface{}) *table {
	if len(rows) == 0 {
		return newTable("(no rows)")
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	t := newTable(cols...)
	for _, r := range rows {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = formatValue(r[c])
		}
		t.append(row...)
	}
	return t
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}
