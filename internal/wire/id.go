package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request/response identifier. The protocol allows an
// identifier to be a number, a string, null, or (for a notification) absent
// entirely — this type is the tagged union of the first three so callers
// never need to type-switch on interface{}; absence is a nil *ID.
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNull bool
}

// IntID builds an integer identifier.
func IntID(n int64) ID { return ID{num: n} }

// StringID builds a string identifier.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// NullID builds the JSON `null` identifier.
func NullID() ID { return ID{isNull: true} }

// IsString reports whether the identifier is a string.
func (id ID) IsString() bool { return id.isStr }

// IsNull reports whether the identifier is JSON null.
func (id ID) IsNull() bool { return id.isNull }

// Int64 returns the numeric value and true if id is an integer identifier.
func (id ID) Int64() (int64, bool) {
	if id.isStr || id.isNull {
		return 0, false
	}
	return id.num, true
}

// String returns the string value and true if id is a string identifier.
func (id ID) String() (string, bool) {
	if !id.isStr {
		return "", false
	}
	return id.str, true
}

// Key returns a comparable value suitable for use as a map key. Integer and
// string identifiers never collide with each other, even if their textual
// forms match (e.g. the integer 7 and the string "7").
func (id ID) Key() any {
	if id.isNull {
		return nil
	}
	if id.isStr {
		return "s:" + id.str
	}
	return "n:" + strconv.FormatInt(id.num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isNull:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ID{isNull: true}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("wire: string id: %w", err)
		}
		*id = ID{str: s, isStr: true}
		return nil
	}
	n, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("wire: numeric id: %w", err)
	}
	*id = ID{num: n}
	return nil
}

func (id ID) GoString() string {
	switch {
	case id.isNull:
		return "wire.NullID()"
	case id.isStr:
		return fmt.Sprintf("wire.StringID(%q)", id.str)
	default:
		return fmt.Sprintf("wire.IntID(%d)", id.num)
	}
}
