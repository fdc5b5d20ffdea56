package plugin

// Go's standard library plugin package is the only mechanism the Go
// runtime offers for loading an externally-built shared object into a
// running process; no third-party alternative exists anywhere in the
// reference pack or the broader ecosystem for this one surface, so it is
// used directly here and documented as a deliberate stdlib exception in
// DESIGN.md. Every other plugin-host concern below it (manifest parsing,
// lifecycle, panic isolation) stays on the same third-party stack as the
// rest of the repository.
import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"runtime"
	"sort"
)

func goVersion() string { return runtime.Version() }

// Discover lists every *.so file in dir, sorted for deterministic load
// order, mirroring os.ReadDir usage patterns elsewhere in the teacher. A
// missing directory is not an error: a gorcd deployment with no plugins
// installed need not pre-create an empty plugin_directory.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin directory %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".so" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// requiredSymbols names every exported symbol the ABI contract of
// spec.md §4.6 requires.
var requiredSymbols = []string{"AbiTag", "Create", "Describe", "PreInit", "Init", "Shutdown", "Destroy"}

// Open loads a .so and resolves its ABI surface by symbol name, the same
// registry-by-name idea as internal/core/npc/loader.go's node Registry,
// generalized to stable exported plugin symbols instead of behavior-tree
// type names.
func Open(path string) (ABI, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return ABI{}, fmt.Errorf("open plugin %s: %w", path, err)
	}

	resolved := make(map[string]plugin.Symbol, len(requiredSymbols))
	for _, name := range requiredSymbols {
		sym, err := p.Lookup(name)
		if err != nil {
			return ABI{}, fmt.Errorf("plugin %s missing required symbol %q: %w", path, name, err)
		}
		resolved[name] = sym
	}

	abi := ABI{}
	var ok bool
	if abi.AbiTag, ok = resolved["AbiTag"].(func() string); !ok {
		return ABI{}, fmt.Errorf("plugin %s: AbiTag has wrong signature", path)
	}
	if abi.Create, ok = resolved["Create"].(func() any); !ok {
		return ABI{}, fmt.Errorf("plugin %s: Create has wrong signature", path)
	}
	if abi.Describe, ok = resolved["Describe"].(func(any) Descriptor); !ok {
		return ABI{}, fmt.Errorf("plugin %s: Describe has wrong signature", path)
	}
	if abi.PreInit, ok = resolved["PreInit"].(func(any, HostCallbacks) error); !ok {
		return ABI{}, fmt.Errorf("plugin %s: PreInit has wrong signature", path)
	}
	if abi.Init, ok = resolved["Init"].(func(any, HostCallbacks) error); !ok {
		return ABI{}, fmt.Errorf("plugin %s: Init has wrong signature", path)
	}
	if abi.Shutdown, ok = resolved["Shutdown"].(func(any) error); !ok {
		return ABI{}, fmt.Errorf("plugin %s: Shutdown has wrong signature", path)
	}
	if abi.Destroy, ok = resolved["Destroy"].(func(any)); !ok {
		return ABI{}, fmt.Errorf("plugin %s: Destroy has wrong signature", path)
	}
	return abi, nil
}

// HostTag is the host's own ABI identity: host version plus the Go
// toolchain identity, compared against each plugin's AbiTag() (spec.md
// §4.6).
func HostTag(hostVersion string) AbiTag {
	return AbiTag(hostVersion + "+" + goVersion())
}
