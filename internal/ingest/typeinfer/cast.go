package typeinfer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/graphingest/internal/ingest/ingesterr"
)

// Cast converts v to t. It never panics: null or blank input yields (nil, nil),
// and a value that cannot be represented yields (nil, *ingesterr.Error) with
// kind cast_error so the caller can record a warning and store null.
func (e *Engine) Cast(v any, t Type) (any, error) {
	return Cast(v, t)
}

func Cast(v any, t Type) (any, error) {
	v = normalize(v)
	if v == nil || t == TypeNull {
		return nil, nil
	}
	var (
		out any
		ok  bool
	)
	switch t {
	case TypeString, "":
		out, ok = Format(v), true
	case TypeInteger:
		out, ok = toInt(v)
	case TypeFloat:
		out, ok = toFloat(v)
	case TypeBoolean:
		out, ok = toBool(v)
	case TypeDate:
		out, ok = toDate(v)
	case TypeDateTime:
		out, ok = toDateTime(v)
	default:
		out, ok = Format(v), true
	}
	if !ok {
		return nil, ingesterr.Newf(ingesterr.KindCast, "cast", "cannot cast %s to %s", preview(v), t)
	}
	return out, nil
}

// normalize folds blank strings to nil and widens numeric kinds.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		return s
	case []byte:
		return normalize(string(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return NewDateTime(x)
	default:
		return v
	}
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return integralFloat(x)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if i, err := strconv.ParseInt(x, 10, 64); err == nil {
			return i, true
		}
		if f, ok := parseFiniteFloat(strings.ReplaceAll(x, ",", "")); ok {
			return integralFloat(f)
		}
	}
	return 0, false
}

func integralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return x, true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if f, ok := parseFiniteFloat(x); ok {
			return f, true
		}
		return parseFiniteFloat(strings.ReplaceAll(x, ",", ""))
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		switch x {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	case float64:
		switch x {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	case string:
		if b, ok := parseBool(x); ok {
			return b, true
		}
		switch x {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}
	return false, false
}

func toDate(v any) (Date, bool) {
	switch x := v.(type) {
	case Date:
		return x, true
	case DateTime:
		return NewDate(x.Time), true
	case string:
		if t, ok := ParseTime(x); ok {
			return NewDate(t), true
		}
	}
	return Date{}, false
}

func toDateTime(v any) (DateTime, bool) {
	switch x := v.(type) {
	case DateTime:
		return x, true
	case Date:
		return NewDateTime(x.Time), true
	case string:
		if t, ok := ParseTime(x); ok {
			return NewDateTime(t), true
		}
	}
	return DateTime{}, false
}

// Format renders a value the way it is stored in string-typed properties.
func Format(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case Date:
		return x.String()
	case DateTime:
		return x.String()
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func preview(v any) string {
	s := strconv.Quote(Format(v))
	if len(s) > 64 {
		s = s[:61] + "..."
	}
	return s
}
