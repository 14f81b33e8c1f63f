package streams

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk override format. Streams replace a default stream
// with the same name or are appended; publish keys and aliases are merged
// over the defaults.
type FileConfig struct {
	Streams []Stream            `yaml:"streams"`
	Publish map[string]string   `yaml:"publish"`
	Aliases map[string][]string `yaml:"aliases"`
}

// LoadFile reads overrides from path, merges them over base, and checks the
// result.
func LoadFile(path string, base *Registry) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("streams: read %s: %w", path, err)
	}
	return Parse(data, base)
}

// Parse merges YAML overrides over base and checks the result.
func Parse(data []byte, base *Registry) (*Registry, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("streams: parse overrides: %w", err)
	}
	if base == nil {
		base = Default()
	}

	merged := base.Streams()
	for _, s := range fc.Streams {
		if i := slices.IndexFunc(merged, func(m Stream) bool { return m.Name == s.Name }); i >= 0 {
			merged[i] = s
			continue
		}
		merged = append(merged, s)
	}

	publish := maps.Clone(base.publish)
	maps.Copy(publish, fc.Publish)

	aliases := make(map[string][]string, len(base.aliases)+len(fc.Aliases))
	for k, v := range base.aliases {
		aliases[k] = v
	}
	maps.Copy(aliases, fc.Aliases)

	r := New(merged, publish, aliases)
	if err := r.Check(); err != nil {
		return nil, fmt.Errorf("streams: invalid overrides: %w", err)
	}
	return r, nil
}
