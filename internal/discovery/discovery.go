// Package discovery resolves a registry.Binary to a concrete executable
// path: environment variable override, then a project-local extra path,
// then PATH, falling back to a human-readable install hint. This is the
// "walking a project tree for installed executables" collaborator spec.md
// §1 explicitly places outside the core, so it has no dependency on
// internal/mux; internal/lifecycle calls it once before spawning a server.
package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ianremillard/lspmux/internal/registry"
)

// ErrNotResolved is returned when no candidate resolves anywhere. Its
// message includes the install fallback's description when the spec has
// one.
type ErrNotResolved struct {
	Binary registry.Binary
}

func (e *ErrNotResolved) Error() string {
	msg := fmt.Sprintf("discovery: no executable found for candidates %v", e.Binary.Candidates)
	if e.Binary.Install != nil {
		msg += fmt.Sprintf(" (try: %s)", e.Binary.Install.Description)
	}
	return msg
}

// Resolve finds an executable path for bin, in order:
//  1. bin.EnvVar, if set in the environment, used as-is.
//  2. Each candidate under bin.ExtraPath (e.g. a project-local
//     node_modules/.bin), if that directory is set.
//  3. Each candidate via PATH lookup.
func Resolve(bin registry.Binary) (string, error) {
	if bin.EnvVar != "" {
		if v := os.Getenv(bin.EnvVar); v != "" {
			return v, nil
		}
	}

	if bin.ExtraPath != "" {
		for _, cand := range bin.Candidates {
			p := filepath.Join(bin.ExtraPath, cand)
			if isExecutable(p) {
				return p, nil
			}
		}
	}

	for _, cand := range bin.Candidates {
		if p, err := exec.LookPath(cand); err == nil {
			return p, nil
		}
	}

	return "", &ErrNotResolved{Binary: bin}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
