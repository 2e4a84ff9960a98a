package validation

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// ExtractBundle unpacks a validated ZIP archive into memory, keyed by the
// slash-separated entry path. Entries escaping the archive root are
// rejected, and the combined output is capped at the extraction limit even
// if the archive's size headers lied.
func (v *Validator) ExtractBundle(data []byte) (map[string][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("error opening ZIP archive: %w", err)
	}

	files := make(map[string][]byte)

	var total int64
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		clean := path.Clean(entry.Name)
		if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return nil, fmt.Errorf("ZIP entry %q escapes the archive root", entry.Name)
		}

		file, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("error opening ZIP entry %q: %w", entry.Name, err)
		}

		content, err := io.ReadAll(io.LimitReader(file, v.maxExtractSize-total+1))
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading ZIP entry %q: %w", entry.Name, err)
		}

		total += int64(len(content))
		if total > v.maxExtractSize {
			return nil, fmt.Errorf("ZIP contents exceed the %d byte extraction limit", v.maxExtractSize)
		}

		files[clean] = content
	}

	return files, nil
}
