package extractor

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Record is one matched document as returned by the engine. It is never
// modified after it is read.
type Record struct {
	ID     string
	Sort   Marker
	Source json.RawMessage
}

// Field projects a source field into its textual CSV form. Paths use gjson
// syntax, so "http.status" reaches nested objects. Strings are returned
// unquoted, numbers keep their original digits, objects and arrays are
// returned as raw JSON, and missing or null fields become "".
func (r Record) Field(path string) string {
	res := gjson.GetBytes(r.Source, path)
	switch res.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return res.Str
	case gjson.Number:
		return res.Raw
	case gjson.True, gjson.False:
		return res.String()
	default:
		return res.Raw
	}
}

// Project returns the record's values for fields, in order.
func (r Record) Project(fields []string) []string {
	row := make([]string, len(fields))
	for i, f := range fields {
		row[i] = r.Field(f)
	}
	return row
}
