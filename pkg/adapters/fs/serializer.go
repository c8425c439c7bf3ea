package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/strata/pkg/core"
)

// Serializer defines how a record is stored in a file of a given format.
type Serializer interface {
	// Ext returns the file extension, including the dot.
	Ext() string
	Marshal(rec core.Record) ([]byte, error)
	Unmarshal(data []byte) (core.Record, error)
}

// DefaultSerializers returns the standard set of serializers keyed by format name.
func DefaultSerializers(strict bool) map[string]Serializer {
	return map[string]Serializer{
		"json": NewJSONSerializer(strict),
		"yaml": NewYAMLSerializer(strict),
	}
}

// --- JSON Serializer ---

// JSONSerializer stores records as indented JSON.
type JSONSerializer struct {
	// Strict enables strict number parsing (as json.Number) to avoid precision loss.
	Strict bool
}

// NewJSONSerializer creates a new JSON serializer.
// Optional strict mode prevents float64 conversion for large integers.
func NewJSONSerializer(strict bool) *JSONSerializer {
	return &JSONSerializer{Strict: strict}
}

func (s *JSONSerializer) Ext() string { return ".json" }

func (s *JSONSerializer) Marshal(rec core.Record) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}

func (s *JSONSerializer) Unmarshal(data []byte) (core.Record, error) {
	var rec core.Record
	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.Strict {
		decoder.UseNumber()
	}
	if err := decoder.Decode(&rec); err != nil {
		return core.Record{}, fmt.Errorf("invalid json: %w", err)
	}
	return rec, nil
}

// --- YAML Serializer ---

// YAMLSerializer stores records as YAML.
type YAMLSerializer struct {
	// Strict normalizes numbers to json.Number, matching the JSON strict mode.
	Strict bool
}

// NewYAMLSerializer creates a new YAML serializer.
func NewYAMLSerializer(strict bool) *YAMLSerializer {
	return &YAMLSerializer{Strict: strict}
}

func (s *YAMLSerializer) Ext() string { return ".yaml" }

func (s *YAMLSerializer) Marshal(rec core.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *YAMLSerializer) Unmarshal(data []byte) (core.Record, error) {
	var rec core.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return core.Record{}, fmt.Errorf("invalid yaml: %w", err)
	}
	if s.Strict && rec.Data != nil {
		rec.Data = recursiveNormalize(rec.Data).(map[string]any)
	}
	return rec, nil
}

// extensions lists the file extensions of serializers, preferred first.
func extensions(preferred Serializer, all map[string]Serializer) []Serializer {
	out := []Serializer{preferred}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if s := all[name]; s.Ext() != preferred.Ext() {
			out = append(out, s)
		}
	}
	return out
}

// recursiveNormalize traverses maps and slices and converts numeric types to json.Number.
// This ensures consistency with JSON Strict mode.
func recursiveNormalize(val any) any {
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = recursiveNormalize(val)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, val := range v {
			l[i] = recursiveNormalize(val)
		}
		return l
	case int:
		return json.Number(strconv.Itoa(v))
	case int64:
		return json.Number(strconv.FormatInt(v, 10))
	case uint64:
		return json.Number(strconv.FormatUint(v, 10))
	case float64:
		return json.Number(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return v
	}
}
