package prober

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Remote servers report counters as numbers, numeric strings or null.
// These types accept all of them and keep "absent" distinct from zero.

type flexInt struct{ v *int64 }

func (f *flexInt) UnmarshalJSON(b []byte) error {
	f.v = nil
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.v = &n
		return nil
	}
	// Values outside the int64 range, NaN included, count as absent.
	if fl, err := strconv.ParseFloat(s, 64); err == nil && fl >= math.MinInt64 && fl < math.MaxInt64 {
		n := int64(fl)
		f.v = &n
	}
	return nil
}

func (f flexInt) ptr() *int64 { return f.v }

type flexBool struct{ v *bool }

func (f *flexBool) UnmarshalJSON(b []byte) error {
	f.v = nil
	var t bool
	switch strings.Trim(strings.TrimSpace(string(b)), `"`) {
	case "true", "True", "1":
		t = true
	case "false", "False", "0":
		t = false
	default:
		return nil
	}
	f.v = &t
	return nil
}

func (f flexBool) ptr() *bool { return f.v }

// flexStrings accepts a string, an array, or an object whose values are
// taken in document order.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	*f = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*f = flexStrings{s}
		}
		return nil
	case '[', '{':
	default:
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	isObject := tok == json.Delim('{')
	var out flexStrings
	for dec.More() {
		if isObject {
			if _, err := dec.Token(); err != nil {
				break
			}
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			break
		}
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	*f = out
	return nil
}

// decodeObject fills v from b when b is a JSON object. Anything else,
// including an array or a string, leaves v at its zero value. Fields of the
// wrong type inside the object are skipped.
func decodeObject(b []byte, v any) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return
	}
	_ = json.Unmarshal(b, v)
}

// languageSet keeps lowercase language codes in first-seen order.
type languageSet struct {
	codes []string
	seen  map[string]struct{}
}

func (l *languageSet) add(values ...string) {
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	for _, v := range values {
		code := normalizeLanguage(v)
		if code == "" {
			continue
		}
		if _, ok := l.seen[code]; ok {
			continue
		}
		l.seen[code] = struct{}{}
		l.codes = append(l.codes, code)
	}
}

func (l *languageSet) list() []string {
	if len(l.codes) == 0 {
		return []string{}
	}
	return append([]string(nil), l.codes...)
}

func normalizeLanguage(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return ""
	}
	if tag, err := language.Parse(s); err == nil {
		return strings.ToLower(tag.String())
	}
	return strings.ToLower(s)
}
