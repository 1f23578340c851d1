package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a manifest file. See LoadFromBytes for the pipeline.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("manifest file not found: %w", err)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("permission denied reading manifest: %w", err)
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader is LoadFromBytes over the contents of r.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes turns data into a checked manifest:
//
//  1. the document is normalised to JSON (YAML is a superset, so anything
//     not ending in .json goes through the YAML decoder);
//  2. that JSON is validated against the embedded schema, which sees unknown
//     fields;
//  3. the same JSON is decoded into Manifest, defaults are applied and the
//     semantic checks run.
//
// path only selects the input format and may be empty.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, err := normalize(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	m.ApplyDefaults()
	if err := Check(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// normalize returns data as a JSON document.
func normalize(data []byte, path string) ([]byte, error) {
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	if isJSON || (path == "" && json.Valid(data)) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		// Non-string mapping keys end up here.
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return out, nil
}
