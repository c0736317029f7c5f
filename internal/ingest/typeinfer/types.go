package typeinfer

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the semantic type of a cell value.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeNull     Type = "null"
)

var typeAliases = map[string]Type{
	"string":    TypeString,
	"str":       TypeString,
	"text":      TypeString,
	"varchar":   TypeString,
	"integer":   TypeInteger,
	"int":       TypeInteger,
	"long":      TypeInteger,
	"bigint":    TypeInteger,
	"float":     TypeFloat,
	"double":    TypeFloat,
	"number":    TypeFloat,
	"decimal":   TypeFloat,
	"real":      TypeFloat,
	"boolean":   TypeBoolean,
	"bool":      TypeBoolean,
	"date":      TypeDate,
	"datetime":  TypeDateTime,
	"timestamp": TypeDateTime,
	"null":      TypeNull,
}

// ParseType normalizes a declared type name. Unknown names report ok=false and
// resolve to string.
func ParseType(s string) (Type, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeString, true
	}
	if t, ok := typeAliases[s]; ok {
		return t, true
	}
	return TypeString, false
}

// Generalize returns the narrowest type able to hold values of both a and b.
func Generalize(a, b Type) Type {
	switch {
	case a == b:
		return a
	case a == TypeNull || a == "":
		return b
	case b == TypeNull || b == "":
		return a
	case isNumeric(a) && isNumeric(b):
		return TypeFloat
	case isTemporal(a) && isTemporal(b):
		return TypeDateTime
	default:
		return TypeString
	}
}

func isNumeric(t Type) bool  { return t == TypeInteger || t == TypeFloat }
func isTemporal(t Type) bool { return t == TypeDate || t == TypeDateTime }

// Date is a calendar date without time of day.
type Date struct{ time.Time }

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.Time.Format("2006-01-02") }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// DateTime is an instant rendered in UTC with millisecond precision.
type DateTime struct{ time.Time }

func NewDateTime(t time.Time) DateTime { return DateTime{t.UTC()} }

func (d DateTime) String() string { return d.Time.UTC().Format("2006-01-02T15:04:05.000Z") }

func (d DateTime) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// TypeOf reports the type of a value produced by Cast.
func TypeOf(v any) Type {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case Date:
		return TypeDate
	case DateTime, time.Time:
		return TypeDateTime
	default:
		return TypeString
	}
}
