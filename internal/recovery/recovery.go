// Package recovery turns free-text model responses into structured JSON
// values. Responses may carry prose, markdown fences, or be cut off
// mid-document; the parser walks a fixed sequence of increasingly aggressive
// stages and stops at the first one that yields an object or array.
package recovery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Stage identifies which recovery technique produced a value.
type Stage int

const (
	StageNone Stage = iota
	// StageDirect parses the response, or its fenced/bracketed substring, as is.
	StageDirect
	// StageRepair closes open strings and brackets and drops dangling fragments.
	StageRepair
	// StageTruncate cuts at the last closing bracket before repairing.
	StageTruncate
	// StageLargestBlock searches the raw response for the longest parseable line span.
	StageLargestBlock
	// StageLenient hands the body to tolerant third-party parsers.
	StageLenient
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageRepair:
		return "repair"
	case StageTruncate:
		return "truncate"
	case StageLargestBlock:
		return "largest_block"
	case StageLenient:
		return "lenient"
	default:
		return "none"
	}
}

// Result is a successfully recovered structured value.
type Result struct {
	// Value is either map[string]any or []any.
	Value any
	Stage Stage
	// JSON is the exact text that parsed.
	JSON string
}

// ParseError is returned when no stage recovers a structured value.
type ParseError struct {
	Length int
	Head   string
	Tail   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("recovery: no structured value in response (len=%d, head=%q, tail=%q)", e.Length, e.Head, e.Tail)
}

// Options controls the more expensive stages.
type Options struct {
	// MaxBlockSearchBytes caps the raw response size the largest-block search
	// runs against; the search is quadratic in line count. 0 disables the cap.
	MaxBlockSearchBytes int
	// Lenient enables the jsonc / json-repair / hjson fallback stage.
	Lenient bool
	// PreviewChars is the length of the head/tail previews in ParseError.
	PreviewChars int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxBlockSearchBytes: 32 * 1024,
		Lenient:             true,
		PreviewChars:        200,
	}
}

// Parser runs the recovery stages.
type Parser struct {
	opts Options
}

// New creates a Parser.
func New(opts Options) *Parser {
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 200
	}
	return &Parser{opts: opts}
}

// Parse recovers with DefaultOptions.
func Parse(raw string) (*Result, error) {
	return New(DefaultOptions()).Parse(raw)
}

// Parse returns the first structured value any stage can recover from raw,
// or a *ParseError.
func (p *Parser) Parse(raw string) (*Result, error) {
	body, candidate := extractBody(raw)

	// Stage 1: the response (or its fenced/bracketed span) is already valid.
	if res, ok := direct(raw, candidate); ok {
		return p.done(res), nil
	}

	if body != "" {
		// Stage 2: structural repair of everything from the first bracket on.
		if text := Repair(body); text != "" {
			if v, ok := parseStructured(text); ok {
				return p.done(&Result{Value: v, Stage: StageRepair, JSON: text}), nil
			}
		}

		// Stage 3: cut at the last closing bracket, if that keeps enough text.
		if idx := strings.LastIndexAny(body, "}]"); idx > len(body)/3 {
			text := Repair(body[:idx+1])
			if v, ok := parseStructured(text); ok {
				return p.done(&Result{Value: v, Stage: StageTruncate, JSON: text}), nil
			}
		}
	}

	// Stage 4: longest parseable line span of the untouched response.
	if p.opts.MaxBlockSearchBytes <= 0 || len(raw) <= p.opts.MaxBlockSearchBytes {
		if text, v, ok := largestBlock(raw); ok {
			return p.done(&Result{Value: v, Stage: StageLargestBlock, JSON: text}), nil
		}
	} else {
		zap.L().Debug("recovery: skipping largest block search",
			zap.Int("length", len(raw)),
			zap.Int("max", p.opts.MaxBlockSearchBytes),
		)
	}

	if p.opts.Lenient && candidate != "" {
		if text, v, ok := lenient(candidate); ok {
			return p.done(&Result{Value: v, Stage: StageLenient, JSON: text}), nil
		}
	}

	return nil, &ParseError{
		Length: len(raw),
		Head:   head(raw, p.opts.PreviewChars),
		Tail:   tail(raw, p.opts.PreviewChars),
	}
}

func (p *Parser) done(res *Result) *Result {
	zap.L().Debug("recovery: recovered structured value",
		zap.String("stage", res.Stage.String()),
		zap.Int("length", len(res.JSON)),
	)
	return res
}

var (
	fenceRe     = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n?(.*?)```")
	openFenceRe = regexp.MustCompile("```[A-Za-z0-9_+-]*[ \t]*\r?\n?")
)

const bom = "\ufeff"

// extractBody strips fences, a byte-order mark, and leading prose. body runs
// from the first opening bracket to the end of the text; candidate is body
// cut after its last closing bracket ("" when there is none).
func extractBody(raw string) (body, candidate string) {
	text := strings.TrimPrefix(strings.TrimSpace(raw), bom)

	if m := fenceRe.FindStringSubmatch(text); m != nil && strings.ContainsAny(m[1], "{[") {
		text = m[1]
	} else if loc := openFenceRe.FindStringIndex(text); loc != nil && strings.ContainsAny(text[loc[1]:], "{[") {
		// Opening fence with no closing fence: the response was cut off.
		text = text[loc[1]:]
	}
	text = strings.TrimPrefix(strings.TrimSpace(text), bom)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", ""
	}
	body = strings.TrimSpace(text[start:])
	if end := strings.LastIndexAny(body, "}]"); end >= 0 {
		candidate = body[:end+1]
	}
	return body, candidate
}

func direct(raw, candidate string) (*Result, bool) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), bom))
	if v, ok := parseStructured(trimmed); ok {
		return &Result{Value: v, Stage: StageDirect, JSON: trimmed}, true
	}
	if candidate != "" && candidate != trimmed {
		if v, ok := parseStructured(candidate); ok {
			return &Result{Value: v, Stage: StageDirect, JSON: candidate}, true
		}
	}
	return nil, false
}

// parseStructured is the strict parser every stage funnels through. Only
// objects and arrays count as success.
func parseStructured(text string) (any, bool) {
	if text == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

// largestBlock tries every span that starts on a line beginning with an
// opening bracket and ends on a later line ending with a closing bracket,
// keeping the longest one that parses.
func largestBlock(raw string) (string, any, bool) {
	lines := strings.Split(raw, "\n")
	var best string
	var bestVal any

	for i, line := range lines {
		first := strings.TrimLeft(line, " \t\r"+bom)
		if first == "" || (first[0] != '{' && first[0] != '[') {
			continue
		}
		for j := len(lines) - 1; j >= i; j-- {
			last := strings.TrimRight(lines[j], " \t\r")
			if last == "" || (last[len(last)-1] != '}' && last[len(last)-1] != ']') {
				continue
			}
			span := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.Join(lines[i:j+1], "\n")), bom))
			if len(span) <= len(best) {
				// Spans only get shorter as j decreases.
				break
			}
			if v, ok := parseStructured(span); ok {
				best, bestVal = span, v
				break
			}
		}
	}

	return best, bestVal, best != ""
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
