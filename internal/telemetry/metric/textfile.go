package metric

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/common/expfmt"
)

// TextfileName is the file written into the textfile collector directory.
const TextfileName = "grove.prom"

// WriteTextfile dumps the registry in Prometheus text format into dir,
// via temp-file + rename so the node-exporter textfile collector never
// scrapes a partial write.
func (r *Registry) WriteTextfile(dir string) error {
	families, err := r.Gather()
	if err != nil {
		return fmt.Errorf("metric: gather: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+TextfileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("metric: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("metric: encode: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metric: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, TextfileName)); err != nil {
		return fmt.Errorf("metric: rename: %w", err)
	}
	return nil
}
