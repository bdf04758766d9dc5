// fakelsp is a minimal stdio LSP stand-in used only by the integration
// tests in test/: it answers initialize with a canned capabilities object
// and echoes back a trivial result for anything else, so the test suite can
// drive a real lspmux/lspmuxd pair over a real socket without depending on
// an actual language server being installed. It plays the same role the
// teacher's mock docker script does in test/integration_test.go, just
// implemented as a Go fixture since the wire format here is
// Content-Length-framed rather than line-oriented shell commands.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/ianremillard/lspmux/internal/wire"
)

func main() {
	dec := wire.NewDecoder(os.Stdin)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return
			}
			os.Exit(1)
		}
		if msg.Kind() != wire.Request {
			continue
		}

		var result json.RawMessage
		if msg.Method == "initialize" {
			result = json.RawMessage(`{"capabilities":{"textDocumentSync":1}}`)
		} else {
			result = json.RawMessage(`{"echoed":true}`)
		}

		out, err := wire.Encode(&wire.Message{ID: msg.ID, Result: result})
		if err != nil {
			os.Exit(1)
		}
		os.Stdout.Write(out)
	}
}
