package processors

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/isotope/query/pkg/block"
)

// Console prints blocks as formatted tables. One Console may be shared by
// several sinks; writes are serialized.
type Console struct {
	mu      sync.Mutex
	maxRows int
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console consumer printing at most maxRows rows per
// block (0 = all).
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

// Count returns the number of rows consumed so far.
func (c *Console) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Console) Consume(b *block.Block) error {
	defer b.Release()
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := b.Record()
	schema := rec.Schema()
	numRows := int(rec.NumRows())
	if c.maxRows > 0 && numRows > c.maxRows {
		numRows = c.maxRows
	}

	widths := make([]int, schema.NumFields())
	for i := range widths {
		widths[i] = len(schema.Field(i).Name)
	}
	cells := make([][]string, numRows)
	for row := 0; row < numRows; row++ {
		cells[row] = make([]string, len(widths))
		for col := range widths {
			v := formatValue(rec.Column(col), row)
			cells[row][col] = v
			if len(v) > widths[col] {
				widths[col] = len(v)
			}
		}
	}

	header := make([]string, len(widths))
	for i := range header {
		header[i] = schema.Field(i).Name
	}
	c.printLine(header, widths)
	c.printSeparator(widths)
	for _, row := range cells {
		c.printLine(row, widths)
	}
	if int(rec.NumRows()) > numRows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", int(rec.NumRows())-numRows)
	}
	fmt.Fprintln(c.writer)

	c.count += rec.NumRows()
	return nil
}

func (c *Console) printLine(vals []string, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(v, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.Float32:
		return fmt.Sprintf("%.4f", a.Value(row))
	default:
		return arr.ValueStr(row)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
