package recovery

import (
	"encoding/json"
	"regexp"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/hjson/hjson-go/v4"
	"github.com/rotisserie/eris"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
)

type lenientFunc func(body string) (string, error)

// lenientChain is tried in order: comment/trailing-comma stripping, general
// syntax repair, then a relaxed human-JSON decode. jsonc only removes text,
// so its output needs no further check. The other two invent structure
// from prose and must be grounded in the span they were given.
var lenientChain = []struct {
	name     string
	fn       lenientFunc
	grounded bool
}{
	{"jsonc", viaJSONC, false},
	{"jsonrepair", jsonrepair.RepairJSON, true},
	{"hjson", viaHJSON, true},
}

// lenient runs on span, the text from the first opening bracket to the
// last closing one.
func lenient(span string) (string, any, bool) {
	if span == "" {
		return "", nil, false
	}
	for _, l := range lenientChain {
		text, err := safeCall(l.fn, span)
		if err != nil {
			zap.L().Debug("recovery: lenient parser failed", zap.String("parser", l.name), zap.Error(err))
			continue
		}
		v, ok := parseStructured(text)
		if !ok {
			continue
		}
		if l.grounded && !groundedIn(v, span) {
			zap.L().Debug("recovery: lenient result not grounded in response", zap.String("parser", l.name))
			continue
		}
		return text, v, true
	}
	return "", nil, false
}

var bareKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// groundedIn reports whether every string in v was written by the model:
// string values must appear quoted in span, and keys must appear quoted or
// as a bare identifier followed by a colon.
func groundedIn(v any, span string) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if !keyIn(k, span) || !groundedIn(val, span) {
				return false
			}
		}
	case []any:
		for _, val := range t {
			if !groundedIn(val, span) {
				return false
			}
		}
	case string:
		return quotedIn(t, span)
	}
	return true
}

func keyIn(k, span string) bool {
	if quotedIn(k, span) {
		return true
	}
	if !bareKeyRe.MatchString(k) {
		return false
	}
	return regexp.MustCompile(`(^|[^A-Za-z0-9_])` + k + `\s*:`).MatchString(span)
}

func quotedIn(s, span string) bool {
	if strings.Contains(span, `"`+s+`"`) || strings.Contains(span, "'"+s+"'") {
		return true
	}
	enc, err := json.Marshal(s)
	return err == nil && strings.Contains(span, string(enc))
}

// safeCall shields the pipeline from panics inside third-party repairers.
func safeCall(fn lenientFunc, body string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", eris.Errorf("recovery: repairer panicked: %v", r)
		}
	}()
	return fn(body)
}

func viaJSONC(body string) (string, error) {
	return string(jsonc.ToJSON([]byte(body))), nil
}

func viaHJSON(body string) (string, error) {
	var v any
	if err := hjson.Unmarshal([]byte(body), &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
