package output

import "io"

// Format selects how command results are rendered.
type Format string

// Table is the human default; json and yaml are for scripting.
const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter renders one value to a writer.
type Formatter interface {
	Format(w io.Writer, data any) error
}

// NewFormatter returns the formatter for a format. Unknown format
// strings fall back to the table formatter.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{}
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}
