package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sanjanb/lifelab/internal/types"
)

// Format is a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" or "yml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want json or yaml)", s)
	}
}

// EncodeSnapshot writes snapshot to w in the given format.
func EncodeSnapshot(w io.Writer, snapshot *types.Snapshot, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		return nil

	case FormatYAML:
		doc, err := toGeneric(snapshot)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// DecodeSnapshot reads a snapshot from r.
func DecodeSnapshot(r io.Reader, format Format) (*types.Snapshot, error) {
	switch format {
	case FormatJSON:
		var snapshot types.Snapshot
		if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		return &snapshot, nil

	case FormatYAML:
		var doc struct {
			Data map[string]map[string]any `yaml:"data"`
		}
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		return fromGeneric(doc.Data)

	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Payloads are raw JSON; YAML needs them as plain values.
func toGeneric(snapshot *types.Snapshot) (map[string]any, error) {
	data := make(map[string]any, len(snapshot.Data))
	for collection, records := range snapshot.Data {
		items := make(map[string]any, len(records))
		for id, payload := range records {
			var v any
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("failed to convert %s/%s: %w", collection, id, err)
			}
			items[id] = v
		}
		data[string(collection)] = items
	}
	return map[string]any{"data": data}, nil
}

func fromGeneric(data map[string]map[string]any) (*types.Snapshot, error) {
	snapshot := &types.Snapshot{Data: make(map[types.Collection]map[string]types.Payload, len(data))}
	for collection, records := range data {
		items := make(map[string]types.Payload, len(records))
		for id, v := range records {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to convert %s/%s: %w", collection, id, err)
			}
			items[id] = raw
		}
		snapshot.Data[types.Collection(collection)] = items
	}
	return snapshot, nil
}
