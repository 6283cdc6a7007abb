package configval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/nrel/hpcpipe/pkg/model"
)

// Format identifies a supported serialization.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONC Format = "jsonc"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
)

// DetectFormat chooses a Format from a file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonc":
		return FormatJSONC, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", &model.ConfigError{Path: path, Msg: "unrecognized config file extension"}
	}
}

// Load reads and parses a configuration file, detecting its format by
// extension (spec.md §6).
func Load(path string) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Value{}, &model.ConfigError{Path: path, Msg: err.Error()}
	}
	format, err := DetectFormat(path)
	if err != nil {
		return Value{}, err
	}
	return Parse(data, format, path)
}

// Parse decodes raw bytes in the given format into a Value tree.
func Parse(data []byte, format Format, path string) (Value, error) {
	var native any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &native); err != nil {
			return Value{}, &model.ConfigError{Path: path, Msg: "invalid JSON: " + err.Error()}
		}
	case FormatJSONC:
		if err := json.Unmarshal(StripJSONComments(data), &native); err != nil {
			return Value{}, &model.ConfigError{Path: path, Msg: "invalid JSONC: " + err.Error()}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &native); err != nil {
			return Value{}, &model.ConfigError{Path: path, Msg: "invalid YAML: " + err.Error()}
		}
		native = normalizeYAML(native)
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return Value{}, &model.ConfigError{Path: path, Msg: "invalid TOML: " + err.Error()}
		}
		native = m
	default:
		return Value{}, &model.ConfigError{Path: path, Msg: fmt.Sprintf("unsupported format %q", format)}
	}
	return FromNative(native), nil
}

// Dump serializes v to path in the format implied by path's extension.
func Dump(path string, v Value) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	data, err := Marshal(v, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &model.ConfigError{Path: path, Msg: err.Error()}
	}
	return nil
}

// Marshal serializes v to the given format.
func Marshal(v Value, format Format) ([]byte, error) {
	native := v.Native()
	switch format {
	case FormatJSON, FormatJSONC:
		return json.MarshalIndent(native, "", "  ")
	case FormatYAML:
		return yaml.Marshal(native)
	case FormatTOML:
		return toml.Marshal(native)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// normalizeYAML walks a yaml.v3-decoded tree converting map[string]any
// and []any recursively (yaml.v3 already emits string-keyed maps for
// document roots, but nested anchors can surface map[string]interface{}
// with differing concrete types across branches; this unifies them).
func normalizeYAML(x any) any {
	switch t := x.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = normalizeYAML(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return t
	}
}

// StripJSONComments removes `//` and `/* */` comments outside of string
// literals so JSONC input can be decoded by encoding/json.
func StripJSONComments(data []byte) []byte {
	var out []byte
	inString := false
	inLineComment := false
	inBlockComment := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inLineComment {
			if c == '\n' {
				inLineComment = false
				out = append(out, c)
			}
			continue
		}
		if inBlockComment {
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				inBlockComment = false
				i++
			}
			continue
		}
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(data) {
			if data[i+1] == '/' {
				inLineComment = true
				i++
				continue
			}
			if data[i+1] == '*' {
				inBlockComment = true
				i++
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
