// internal/config/loader.go
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${NAME} and ${NAME:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnv expands every ${NAME[:-default]} in s from the process
// environment. An unset variable without a default is an error.
func substituteEnv(s, path string) (string, error) {
	var substErr error
	out := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		// ${X:-} carries an empty default; ${X} carries none.
		if strings.Contains(match, ":-") {
			return def
		}
		if substErr == nil {
			substErr = errAt(path, "environment variable %q is not set and no default provided", name)
		}
		return match
	})
	return out, substErr
}

// expandNode walks a parsed YAML document and substitutes environment
// variables in every string scalar. path tracks the YAML location for
// error reporting.
func expandNode(n *yaml.Node, path string) error {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := expandNode(c, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if err := expandNode(n.Content[i+1], childPath); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			if err := expandNode(c, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			out, err := substituteEnv(n.Value, path)
			if err != nil {
				return err
			}
			n.Value = out
		}
	}
	return nil
}

// Load reads, substitutes, strictly decodes and validates a snapshot.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse builds a validated snapshot from raw YAML bytes.
func Parse(raw []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("invalid YAML syntax: %v", err)}
	}
	if doc.Kind == 0 {
		// Empty document.
		cfg := Default()
		return cfg, nil
	}
	if err := expandNode(&doc, ""); err != nil {
		return nil, err
	}
	expanded, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("decode config: %v", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the snapshot as canonical YAML: struct key order,
// 2-space indent, no aliases.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Marshal renders the canonical YAML form of a snapshot.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultPath resolves the config file search order: $XDG_CONFIG_HOME
// (or ~/.config)/ctme/config.yaml, then ./config.yaml, then
// ./config.example.yaml. The first existing path wins; with none
// present the XDG path is returned so error messages point somewhere
// actionable.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	candidates := []string{}
	if configHome != "" {
		candidates = append(candidates, filepath.Join(configHome, "ctme", "config.yaml"))
	}
	candidates = append(candidates, "config.yaml", "config.example.yaml")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return candidates[0]
}
