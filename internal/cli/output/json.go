package output

import (
	"encoding/json"
	"io"
)

// JSONFormatter renders one value as indented JSON, newline terminated.
// Snapshot ids stay numeric, so the output feeds straight into jq.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
