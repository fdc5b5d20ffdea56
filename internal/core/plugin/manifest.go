package plugin

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the optional sidecar metadata next to a plugin's .so,
// parsed with gopkg.in/yaml.v3 exactly as internal/core/npc/loader.go
// parses its behavior-tree YAML configs.
type Manifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Dependencies []string `yaml:"dependencies"`
}

// LoadManifest reads the YAML sidecar for a plugin, if present. A missing
// sidecar is not an error. The Host does not read manifests: its
// dependency order comes from the plugin's describe() call alone.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode plugin manifest: %w", err)
	}
	return &m, nil
}

// ManifestPathFor returns the conventional sidecar path for a plugin's .so
// path: same basename with .yaml instead of .so.
func ManifestPathFor(soPath string) string {
	return strings.TrimSuffix(soPath, ".so") + ".yaml"
}

// LoadManifestFile reads ManifestPathFor(soPath) if it exists, returning a
// zero-value Manifest (not an error) when the sidecar is absent.
func LoadManifestFile(soPath string) (*Manifest, error) {
	path := ManifestPathFor(soPath)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("open plugin manifest %s: %w", path, err)
	}
	defer f.Close()
	return LoadManifest(f)
}
