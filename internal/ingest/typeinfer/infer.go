package typeinfer

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/graphingest/internal/ingest/cache"
)

const DefaultSampleSize = 20

// MismatchKey identifies a memoized mismatch check.
type MismatchKey struct {
	Dataset  string
	Column   string
	Declared Type
}

type Options struct {
	TypeCache     cache.Cache[string, Type]
	MismatchCache cache.Cache[MismatchKey, Mismatch]
	SampleSize    int
	// Seed makes sampling reproducible; zero picks a random seed.
	Seed uint64
}

// Engine infers, checks and casts cell values. Safe for concurrent use.
type Engine struct {
	types      cache.Cache[string, Type]
	mismatches cache.Cache[MismatchKey, Mismatch]
	sampleSize int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewEngine(opts Options) *Engine {
	if opts.TypeCache == nil {
		opts.TypeCache = cache.NewLRU[string, Type](50000)
	}
	if opts.MismatchCache == nil {
		opts.MismatchCache = cache.NewLRU[MismatchKey, Mismatch](1024)
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Engine{
		types:      opts.TypeCache,
		mismatches: opts.MismatchCache,
		sampleSize: opts.SampleSize,
		rnd:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Infer returns the semantic type of v. Native booleans and numbers keep their
// kind; strings are classified and memoized by raw value.
func (e *Engine) Infer(v any) Type {
	switch x := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32:
		return TypeFloat
	case float64:
		return TypeFloat
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInteger
		}
		return TypeFloat
	case Date:
		return TypeDate
	case DateTime, time.Time:
		return TypeDateTime
	case string:
		return e.inferString(x)
	case []byte:
		return e.inferString(string(x))
	default:
		return TypeString
	}
}

func (e *Engine) inferString(raw string) Type {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TypeNull
	}
	if t, ok := e.types.Get(s); ok {
		return t
	}
	t := classify(s)
	e.types.Add(s, t)
	return t
}

func classify(s string) Type {
	if _, ok := parseBool(s); ok {
		return TypeBoolean
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return TypeInteger
	}
	if _, ok := parseFiniteFloat(s); ok {
		return TypeFloat
	}
	if t, ok := ParseTime(s); ok {
		if hasClock(t) {
			return TypeDateTime
		}
		return TypeDate
	}
	return TypeString
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y":
		return true, true
	case "false", "f", "no", "n":
		return false, true
	}
	return false, false
}

func parseFiniteFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func hasClock(t time.Time) bool {
	return t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0
}

// Common calendar patterns, tried before the general layouts. Month-first wins
// over day-first for ambiguous slash dates.
var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"1/2/2006",
	"2/1/2006",
	"2.1.2006",
	"1-2-2006",
	"2-Jan-2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"20060102",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006 3:04 PM",
	"2 Jan 2006 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RFC822Z,
	time.RFC822,
	time.ANSIC,
	time.UnixDate,
	time.RubyDate,
}

// ParseTime parses s with the fixed date patterns first and the general
// date-time layouts second.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
