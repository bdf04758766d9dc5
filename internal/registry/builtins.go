package registry

import (
	"encoding/json"
	"time"
)

// typescriptGoSpec describes the tsgo-style TypeScript language server:
// pull diagnostics only, so the mux bridges them to push for clients that
// never asked for pull — spec.md §4.2's "TypeScript-for-Go-style spec".
func typescriptGoSpec() *Spec {
	return &Spec{
		Name:    "typescript-go",
		Aliases: []string{"tsgo"},
		Binary: Binary{
			EnvVar:     "LSPMUX_TSGO_PATH",
			Candidates: []string{"tsgo"},
			Install: &InstallFallback{
				Description: "npm install -g @typescript/native-preview",
			},
		},
		Args:              []string{"--lsp", "--stdio"},
		Diagnostics:       Bridge,
		DebounceInterval:  150 * time.Millisecond,
		RequestBuilder:    defaultDiagnosticRequest,
		PrepareInitialize: advertisePullDiagnostics,
	}
}

// lintSpec is a generic passthrough-diagnostics server spec, representative
// of a linter that already pushes diagnostics on its own.
func lintSpec() *Spec {
	return &Spec{
		Name:    "lint",
		Aliases: nil,
		Binary: Binary{
			EnvVar:     "LSPMUX_LINT_PATH",
			Candidates: []string{"vscode-langservers-extracted", "generic-lint-lsp"},
		},
		Args:        []string{"--stdio"},
		Diagnostics: Passthrough,
	}
}

// defaultDiagnosticRequest is the bridge request shape from spec.md §4.4:
// `{ textDocument: { uri }, identifier: null, previousResultId: null }`.
func defaultDiagnosticRequest(uri string) (string, any) {
	return "textDocument/diagnostic", map[string]any{
		"textDocument":     map[string]string{"uri": uri},
		"identifier":       nil,
		"previousResultId": nil,
	}
}

// advertisePullDiagnostics merges a `textDocument.diagnostic` capability
// object into the initialize params if the originating client did not
// already request it, so the server knows to accept pull requests even
// though the mux — not the real editor — is the one asking.
func advertisePullDiagnostics(params json.RawMessage) (json.RawMessage, error) {
	var tree map[string]any
	if len(params) == 0 {
		tree = map[string]any{}
	} else if err := json.Unmarshal(params, &tree); err != nil {
		return params, err
	}

	caps, _ := tree["capabilities"].(map[string]any)
	if caps == nil {
		caps = map[string]any{}
	}
	textDocument, _ := caps["textDocument"].(map[string]any)
	if textDocument == nil {
		textDocument = map[string]any{}
	}
	if _, already := textDocument["diagnostic"]; !already {
		textDocument["diagnostic"] = map[string]any{
			"dynamicRegistration": false,
		}
	}
	caps["textDocument"] = textDocument
	tree["capabilities"] = caps

	out, err := json.Marshal(tree)
	if err != nil {
		return params, err
	}
	return out, nil
}
