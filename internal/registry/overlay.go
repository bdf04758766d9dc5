package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlayFile is the shape of ~/.lspmux/servers.yaml. It mirrors the
// teacher's project.yaml/grove.yaml two-tier pattern (project.go's
// loadProject + loadInRepoConfig): built-in specs are the "registration",
// this file is the "in-repo" overlay, merged field by field so a partial
// override (just a binary path, say) doesn't blank out the rest of the
// spec. A key with no matching built-in name is not an override: it
// registers a brand new spec, per SPEC_FULL.md §4.2's "can add extra server
// specs or override an existing spec".
type overlayFile struct {
	Servers map[string]serverOverride `yaml:"servers"`
}

type serverOverride struct {
	Aliases []string `yaml:"aliases"`

	EnvVar     string   `yaml:"envVar"`
	Candidates []string `yaml:"candidates"`
	ExtraPath  string   `yaml:"extraPath"`
	Args       []string `yaml:"args"`

	// Diagnostics is "bridge" or "passthrough"; empty means "leave alone"
	// when overriding a built-in spec, and "passthrough" when defining a
	// brand new one.
	Diagnostics string `yaml:"diagnostics"`
	DebounceMS  int    `yaml:"debounceMs"`
}

// LoadWithOverlay builds the default registry and, if path exists, overlays
// it with user-specified spec overrides and additions before freezing the
// result. A missing file is not an error — the defaults are returned as-is,
// exactly as loadInRepoConfig treats a missing grove.yaml as "(false, nil)".
func LoadWithOverlay(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("registry: read overlay %s: %w", path, err)
	}

	var overlay overlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("registry: parse overlay %s: %w", path, err)
	}

	base := Default()
	b := newBuilder()
	for _, spec := range base.All() {
		merged := *spec
		if ov, ok := overlay.Servers[spec.Name]; ok {
			applyOverride(&merged, ov)
		}
		if err := b.register(&merged); err != nil {
			return nil, err
		}
	}

	// Any overlay key that named no built-in spec defines a new one.
	for name, ov := range overlay.Servers {
		if _, isOverride := base.byName[name]; isOverride {
			continue
		}
		spec, err := newSpecFromOverride(name, ov)
		if err != nil {
			return nil, fmt.Errorf("registry: overlay %s: %w", name, err)
		}
		if err := b.register(spec); err != nil {
			return nil, fmt.Errorf("registry: overlay %s: %w", name, err)
		}
	}
	return b.finish(), nil
}

func applyOverride(spec *Spec, ov serverOverride) {
	if len(ov.Aliases) > 0 {
		spec.Aliases = ov.Aliases
	}
	if ov.EnvVar != "" {
		spec.Binary.EnvVar = ov.EnvVar
	}
	if len(ov.Candidates) > 0 {
		spec.Binary.Candidates = ov.Candidates
	}
	if ov.ExtraPath != "" {
		spec.Binary.ExtraPath = ov.ExtraPath
	}
	if len(ov.Args) > 0 {
		spec.Args = ov.Args
	}
	if ov.Diagnostics != "" {
		spec.Diagnostics = parseDiagnosticsMode(ov.Diagnostics)
	}
	if ov.DebounceMS > 0 {
		spec.DebounceInterval = time.Duration(ov.DebounceMS) * time.Millisecond
	}
}

// newSpecFromOverride builds a fresh Spec for an overlay entry whose name
// matched no built-in, so a user can register an entirely new server
// without recompiling. Diagnostics defaults to Passthrough, matching a
// plain language server that already pushes its own diagnostics; a user
// wanting the pull-to-push bridge for their server sets `diagnostics:
// bridge` explicitly.
func newSpecFromOverride(name string, ov serverOverride) (*Spec, error) {
	if len(ov.Candidates) == 0 && ov.EnvVar == "" {
		return nil, fmt.Errorf("new server spec needs at least one of candidates or envVar")
	}
	spec := &Spec{
		Name:    name,
		Aliases: ov.Aliases,
		Binary: Binary{
			EnvVar:     ov.EnvVar,
			Candidates: ov.Candidates,
			ExtraPath:  ov.ExtraPath,
		},
		Args:        ov.Args,
		Diagnostics: Passthrough,
	}
	if ov.Diagnostics != "" {
		spec.Diagnostics = parseDiagnosticsMode(ov.Diagnostics)
	}
	if ov.DebounceMS > 0 {
		spec.DebounceInterval = time.Duration(ov.DebounceMS) * time.Millisecond
	}
	return spec, nil
}

func parseDiagnosticsMode(s string) DiagnosticsMode {
	if s == "bridge" {
		return Bridge
	}
	return Passthrough
}
