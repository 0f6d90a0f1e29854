package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names the files merged beneath a config file. Later includes
// override earlier ones and the including file overrides them all.
const includeKey = "$include"

// LoadRaw reads path into a merged map with environment references
// expanded and $include directives resolved.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadFile(path, map[string]bool{})
}

func loadFile(path string, visiting map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parse([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadFile(inc, visiting)
		if err != nil {
			return nil, err
		}
		merged = merge(merged, sub)
	}
	return merge(merged, raw), nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv replaces $VAR, ${VAR} and ${VAR:-fallback}. "$$" yields a
// literal "$" and the $include key is left alone.
func expandEnv(s string) string {
	s = strings.ReplaceAll(s, "$$", "\x00")
	s = envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[4]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		if m[4] == "include" {
			return ref
		}
		return ""
	})
	return strings.ReplaceAll(s, "\x00", "$")
}

func parse(data []byte, path string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func takeIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	var out []string
	switch v := val.(type) {
	case nil:
	case string:
		out = append(out, v)
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
	paths := out[:0]
	for _, p := range out {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// merge overlays src onto dst. Nested maps merge key by key; any other
// value replaces the old one.
func merge(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = merge(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig re-encodes the merged map and decodes it strictly so
// unknown keys are reported.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
