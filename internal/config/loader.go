package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeDirective names the key a config document uses to pull in
// other files before its own fields are applied. "include" is
// accepted as a plain-English alias.
const includeDirective = "$include"

// rawLoader resolves a config file, and everything it transitively
// $includes, into one merged map. It exists as a struct rather than a
// free function threading a map parameter so the include-cycle guard
// and the list of files actually touched live alongside each other.
type rawLoader struct {
	visiting map[string]bool
	sources  []string
}

// LoadRaw reads a YAML or JSON5 config file into a merged raw map,
// resolving $include directives depth-first: an included file's
// fields are applied first, then overridden by whatever the including
// file itself declares directly.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &rawLoader{visiting: map[string]bool{}}
	return l.load(path)
}

// Sources returns every absolute file path the last load touched, in
// the order each was opened. Useful for a future --explain flag; not
// yet surfaced anywhere.
func (l *rawLoader) Sources() []string { return l.sources }

func (l *rawLoader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	if l.visiting[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	l.visiting[absPath] = true
	defer delete(l.visiting, absPath)
	l.sources = append(l.sources, absPath)

	contents, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	doc, err := decodeDocument(os.ExpandEnv(string(contents)), absPath)
	if err != nil {
		return nil, err
	}

	includePaths, err := popIncludeDirective(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	if len(includePaths) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includePaths {
			inc = strings.TrimSpace(inc)
			if inc == "" {
				continue
			}
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(baseDir, inc)
			}
			included, err := l.load(inc)
			if err != nil {
				return nil, err
			}
			merged = deepMerge(merged, included)
		}
	}

	return deepMerge(merged, doc), nil
}

// decodeDocument parses raw config text as JSON5 when pathHint ends in
// .json/.json5, and as YAML otherwise, rejecting any file that
// contains more than one document.
func decodeDocument(text string, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var doc map[string]any
		if err := json5.Unmarshal([]byte(text), &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return doc, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(text)))
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("expected a single YAML document")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludeDirective extracts and removes the include directive from
// doc, normalizing it to a slice of paths regardless of whether it was
// written as a single string or a list.
func popIncludeDirective(doc map[string]any) ([]string, error) {
	if doc == nil {
		return nil, nil
	}
	raw, ok := doc[includeDirective]
	if ok {
		delete(doc, includeDirective)
	} else if raw, ok = doc["include"]; ok {
		delete(doc, "include")
	}
	if raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or a list of strings")
	}
}

// deepMerge overlays src onto dst, recursing into nested maps so an
// included file's section (e.g. "loop") can be partially overridden
// rather than wholesale replaced.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if nested, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(existing, nested)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged raw map through YAML so
// yaml.v3's strict struct tags (and KnownFields rejection of unknown
// keys) apply uniformly, regardless of whether any of the source
// documents were JSON5.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	serialized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-serialize merged config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(serialized))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("expected a single YAML document")
	}
	return &cfg, nil
}
