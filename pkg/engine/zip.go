package engine

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zip"
)

// ZipDependencies packs workflow import files into the archive the engine
// expects as workflowDependencies. Entries are written in name order.
func ZipDependencies(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	for _, name := range names {
		f, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("adding %s to archive: %w", name, err)
		}

		if _, err := f.Write(files[name]); err != nil {
			return nil, fmt.Errorf("writing %s to archive: %w", name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return buf.Bytes(), nil
}
