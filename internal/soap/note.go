// Package soap defines the SOAP note document and turns free-form model
// output into a validated Note.
package soap

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Note is a SOAP clinical note. All four sections are always present;
// a section may be empty but is never absent.
type Note struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// Fields lists the section keys in document order.
var Fields = []string{"subjective", "objective", "assessment", "plan"}

// SchemaJSON is the JSON Schema every candidate document must satisfy.
const SchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["subjective", "objective", "assessment", "plan"],
  "properties": {
    "subjective": {"type": "string"},
    "objective":  {"type": "string"},
    "assessment": {"type": "string"},
    "plan":       {"type": "string"}
  }
}`

var schema = jsonschema.MustCompileString("soap_note.json", SchemaJSON)

// JSON returns the canonical encoding of n.
func (n Note) JSON() []byte {
	b, _ := json.Marshal(n)
	return b
}

// Validate checks a JSON document against the note schema and returns the
// fully populated Note. Section keys are matched case-insensitively, a
// document wrapped in a single object (e.g. {"soap_notes": {...}}) is
// unwrapped, and unknown keys are dropped. A null or non-string section is
// an error, never an empty default.
func Validate(doc string) (Note, error) {
	fields, err := canonical(doc)
	if err != nil {
		return Note{}, err
	}

	if err := schema.Validate(fields); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Note{}, fmt.Errorf("schema: %s", describe(ve))
		}
		return Note{}, fmt.Errorf("schema: %w", err)
	}

	return Note{
		Subjective: fields["subjective"].(string),
		Objective:  fields["objective"].(string),
		Assessment: fields["assessment"].(string),
		Plan:       fields["plan"].(string),
	}, nil
}

func canonical(doc string) (map[string]any, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, errors.New("empty document")
	}
	if !gjson.Valid(doc) {
		return nil, errors.New("not valid JSON")
	}

	root := gjson.Parse(doc)
	if !root.IsObject() {
		return nil, fmt.Errorf("top-level value is %s, want object", root.Type)
	}
	obj := unwrap(root)

	out := make(map[string]any, len(Fields))
	obj.ForEach(func(k, v gjson.Result) bool {
		name := sectionKey(k.String())
		if name == "" {
			return true
		}
		if _, dup := out[name]; !dup {
			out[name] = v.Value()
		}
		return true
	})
	return out, nil
}

// unwrap descends into a lone nested object when the root carries no
// section keys itself.
func unwrap(root gjson.Result) gjson.Result {
	var sections, objects int
	var child gjson.Result
	root.ForEach(func(k, v gjson.Result) bool {
		if sectionKey(k.String()) != "" {
			sections++
		}
		if v.IsObject() {
			objects++
			child = v
		}
		return true
	})
	if sections == 0 && objects == 1 {
		return child
	}
	return root
}

func sectionKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	for _, f := range Fields {
		if k == f {
			return f
		}
	}
	return ""
}

func describe(ve *jsonschema.ValidationError) string {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if leaf.InstanceLocation == "" {
		return leaf.Message
	}
	return leaf.InstanceLocation + ": " + leaf.Message
}
