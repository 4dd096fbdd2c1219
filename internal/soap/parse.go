package soap

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/scribe/internal/failure"
)

// Strategy turns raw model output into a candidate JSON document. ok is
// false when the strategy does not apply to the input.
type Strategy struct {
	Name    string
	Extract func(raw string) (candidate string, ok bool)
}

// Chain is the fixed repair order used by Parse. New upstream quirks get a
// new Strategy appended here.
var Chain = []Strategy{
	{Name: "direct", Extract: Direct},
	{Name: "fenced", Extract: StripFences},
	{Name: "brace_span", Extract: BraceSpan},
	{Name: "labels", Extract: LabelFields},
}

// Parse runs the repair chain and returns the first candidate that passes
// Validate. If none does, it fails with malformed_response carrying raw.
func Parse(raw string) (Note, error) {
	return ParseWith(Chain, raw)
}

// ParseWith is Parse over an explicit chain.
func ParseWith(chain []Strategy, raw string) (Note, error) {
	var errs []error
	for _, s := range chain {
		cand, ok := s.Extract(raw)
		if !ok {
			continue
		}
		n, err := Validate(cand)
		if err == nil {
			return n, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}

	e := failure.New(failure.MalformedResponse, "model output is not a complete SOAP note")
	e.Raw = raw
	if len(errs) > 0 {
		e.Err = errors.Join(errs...)
	}
	return Note{}, e
}

// Direct uses the whole response as is.
func Direct(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\\r?\\n?(.*?)```")

// StripFences returns the body of the first markdown code fence.
func StripFences(raw string) (string, bool) {
	m := fenceRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	body := strings.TrimSpace(m[1])
	return body, body != ""
}

// BraceSpan returns the text between the first '{' and the last '}'.
func BraceSpan(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

var (
	quotedFieldRe = make(map[string]*regexp.Regexp, len(Fields))
	labelRe       = regexp.MustCompile(`(?im)^[ \t#>*_-]*(subjective|objective|assessment|plan)\b[ \t*_]*(?:\([soap]\))?[ \t*_]*:[ \t*_]*`)
)

func init() {
	for _, f := range Fields {
		quotedFieldRe[f] = regexp.MustCompile(`(?i)"` + f + `"\s*:\s*("(?:[^"\\]|\\.)*")`)
	}
}

// LabelFields extracts each section independently, first as a quoted JSON
// member anywhere in the text, then as a "Label:" heading running to the
// next heading. It assembles whatever it finds; sections it cannot find
// stay absent so validation rejects the result.
func LabelFields(raw string) (string, bool) {
	found := make(map[string]string, len(Fields))

	for _, f := range Fields {
		m := quotedFieldRe[f].FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		var v string
		if err := json.Unmarshal([]byte(m[1]), &v); err == nil {
			found[f] = v
		}
	}

	locs := labelRe.FindAllStringSubmatchIndex(raw, -1)
	for i, loc := range locs {
		name := strings.ToLower(raw[loc[2]:loc[3]])
		if _, ok := found[name]; ok {
			continue
		}
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		found[name] = strings.TrimSpace(raw[loc[1]:end])
	}

	if len(found) == 0 {
		return "", false
	}
	b, err := json.Marshal(found)
	if err != nil {
		return "", false
	}
	return string(b), true
}
