package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks the decoder by extension. Anything that is not .json is
// read as YAML, which also accepts plain JSON.
func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

// coerceToJSONBytes turns a YAML document into JSON so both formats share the
// strict decoder. A YAML file must hold exactly one non-empty document.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := formatOf(path)
	if format == "json" {
		return data, format, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, format, errors.New("yaml config: empty document")
		}
		return nil, format, fmt.Errorf("yaml config: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, format, errors.New("yaml config: multiple documents")
		}
		return nil, format, fmt.Errorf("yaml config: %w", err)
	}
	if v == nil {
		return nil, format, errors.New("yaml config: empty document")
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, format, fmt.Errorf("yaml config: %w", err)
	}
	return j, format, nil
}

// stringKeys rewrites map[any]any nodes so the tree can be marshaled as JSON.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
