// Package embedded expands JSON-shaped values found inside flat columns into
// secondary nodes and relationships.
package embedded

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/graphingest/internal/ingest/cache"
	"github.com/yungbote/graphingest/internal/ingest/typeinfer"
)

var ErrNotStructured = errors.New("embedded: value is not a JSON object or array")

var curlyQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
)

var keyPattern = regexp.MustCompile(`[\p{L}\p{N}_]["']\s*:`)

// LooksLikeJSON is a cheap pre-check before attempting a parse.
func LooksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if s[0] == '{' || s[0] == '[' {
		return true
	}
	return keyPattern.MatchString(s)
}

// Clean rewrites python-ish or hand-written literals toward strict JSON:
// curly quotes become straight, single-quoted strings become double-quoted,
// None/True/False become null/true/false and bare words are quoted.
func Clean(raw string) string {
	rs := []rune(curlyQuotes.Replace(strings.TrimSpace(raw)))
	var b strings.Builder
	b.Grow(len(rs) + 8)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case c == '"' || c == '\'':
			s, next := readQuoted(rs, i)
			writeJSONString(&b, s)
			i = next
		case c == '-' || c == '+' || unicode.IsDigit(c):
			j := i + 1
			for j < len(rs) && strings.ContainsRune("0123456789.eE+-", rs[j]) {
				j++
			}
			b.WriteString(string(rs[i:j]))
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '-' || rs[j] == '.') {
				j++
			}
			word := string(rs[i:j])
			switch word {
			case "None", "null", "NULL", "nil", "NaN", "nan":
				b.WriteString("null")
			case "True", "true", "TRUE":
				b.WriteString("true")
			case "False", "false", "FALSE":
				b.WriteString("false")
			default:
				writeJSONString(&b, word)
			}
			i = j
		default:
			b.WriteRune(c)
			i++
		}
	}
	return b.String()
}

// readQuoted decodes the quoted string starting at rs[start] and returns its
// content and the index after the closing quote. Unterminated strings run to
// the end of input.
func readQuoted(rs []rune, start int) (string, int) {
	q := rs[start]
	var b strings.Builder
	i := start + 1
	for i < len(rs) {
		c := rs[i]
		if c == q {
			return b.String(), i + 1
		}
		if c == '\\' && i+1 < len(rs) {
			n := rs[i+1]
			switch n {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case 'u':
				if i+6 <= len(rs) {
					if v, err := strconv.ParseUint(string(rs[i+2:i+6]), 16, 32); err == nil {
						b.WriteRune(rune(v))
						i += 6
						continue
					}
				}
				b.WriteRune(n)
			default:
				b.WriteRune(n)
			}
			i += 2
			continue
		}
		b.WriteRune(c)
		i++
	}
	return b.String(), len(rs)
}

func writeJSONString(b *strings.Builder, s string) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	b.Write(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Parser memoizes parse results by cleaned input. Returned maps are shared
// with the cache and must not be mutated.
type Parser struct {
	cache cache.Cache[string, []map[string]any]
}

func NewParser(c cache.Cache[string, []map[string]any]) *Parser {
	if c == nil {
		c = cache.NewLRU[string, []map[string]any](10000)
	}
	return &Parser{cache: c}
}

// Parse tries strict JSON, then a tolerant YAML flow parse, then for arrays a
// bracket- and quote-aware split that parses each element on its own.
// Scalar array elements become {"name": value}.
func (p *Parser) Parse(raw string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrNotStructured
	}
	cleaned := Clean(trimmed)
	if out, ok := p.cache.Get(cleaned); ok {
		return out, nil
	}
	v, err := parseValue(cleaned, curlyQuotes.Replace(trimmed))
	if err != nil && strings.HasPrefix(cleaned, "[") {
		v, err = parseSplit(cleaned)
	}
	if err != nil {
		return nil, err
	}
	out, err := objects(v)
	if err != nil {
		return nil, err
	}
	p.cache.Add(cleaned, out)
	return out, nil
}

func parseValue(candidates ...string) (any, error) {
	var firstErr error
	for _, s := range candidates {
		if v, err := parseStrict(s); err == nil {
			return v, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range candidates {
		if v, err := parseTolerant(s); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("embedded: parse: %w", firstErr)
}

func parseStrict(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return normalize(v), nil
}

func parseTolerant(s string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case map[string]any, map[any]any, []any:
		return normalize(v), nil
	}
	return nil, ErrNotStructured
}

func parseSplit(s string) (any, error) {
	inner := strings.TrimSpace(s)
	inner = strings.TrimPrefix(inner, "[")
	inner = strings.TrimSuffix(inner, "]")
	var out []any
	for _, part := range splitTopLevel(inner) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := parseStrict(part); err == nil {
			out = append(out, v)
			continue
		}
		if v, err := parseTolerant(part); err == nil {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embedded: no parseable array elements")
	}
	return out, nil
}

// splitTopLevel splits on commas outside brackets, braces and quotes.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		quote rune
		esc   bool
		start int
	)
	for i, c := range s {
		switch {
		case esc:
			esc = false
		case c == '\\' && quote != 0:
			esc = true
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			if depth > 0 {
				depth--
			}
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// normalize converts decoder output to map[string]any, []any, string, int64,
// float64, bool, typeinfer.Date, typeinfer.DateTime or nil. YAML resolves
// bare timestamps to time.Time; a midnight UTC value is a date.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int64, float64, string, bool, nil:
		return x
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case time.Time:
		if x.Location() == time.UTC && x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return typeinfer.NewDate(x)
		}
		return typeinfer.NewDateTime(x)
	default:
		return fmt.Sprint(x)
	}
}

func objects(v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, el := range x {
			switch e := el.(type) {
			case nil:
			case map[string]any:
				out = append(out, e)
			case []any:
				nested, _ := objects(e)
				out = append(out, nested...)
			default:
				out = append(out, map[string]any{"name": e})
			}
		}
		return out, nil
	}
	return nil, ErrNotStructured
}
