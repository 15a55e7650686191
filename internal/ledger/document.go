package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadDocument reads a JSON array of records from path.
// Null elements are dropped.
func LoadDocument(path string) ([]Record, error) {
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []Record
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// ReadDocument reads a collection document. A missing or malformed
// document is an empty collection; ReadDocument never fails.
func ReadDocument(path string) []Record {
	records, err := LoadDocument(path)
	if err != nil {
		return []Record{}
	}
	return records
}

// WriteDocument writes records to path as a pretty-printed JSON array.
// The document is written to a sibling temp file and renamed into place
// so a failed write never leaves a truncated collection behind.
func WriteDocument(path string, records []Record) error {
	if records == nil {
		records = []Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
