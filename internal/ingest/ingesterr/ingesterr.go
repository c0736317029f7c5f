// Package ingesterr classifies ingestion failures and records the recoverable ones.
package ingesterr

import (
	"errors"
	"fmt"
	"sync"
)

type Kind string

const (
	KindSchema           Kind = "schema_error"
	KindValidation       Kind = "validation_error"
	KindCast             Kind = "cast_error"
	KindIdentity         Kind = "identity_resolution_failure"
	KindEndpointMissing  Kind = "relationship_endpoint_missing"
	KindSinkWrite        Kind = "sink_write_error"
	KindUnhandled        Kind = "unhandled_exception"
	KindTypeCorrection   Kind = "type_correction"
	KindSchemaReferences Kind = "schema_reference"
)

// Fatal reports whether an error of this kind aborts a job.
func (k Kind) Fatal() bool {
	switch k {
	case KindSchema, KindValidation, KindUnhandled:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Fatal() bool { return e != nil && e.Kind.Fatal() }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnhandled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnhandled
}

func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Fatal()
}

// Issue is one persisted warning or error line.
type Issue struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Issues is a bounded, concurrency-safe log of warnings and errors. Counts keep
// growing after the per-list cap is reached so totals stay exact.
type Issues struct {
	mu       sync.Mutex
	limit    int
	warnings []Issue
	errors   []Issue
	counts   map[Kind]int
	warnN    int
	errN     int
}

func NewIssues(limit int) *Issues {
	if limit <= 0 {
		limit = 100
	}
	return &Issues{limit: limit, counts: map[Kind]int{}}
}

func (is *Issues) Warn(kind Kind, format string, args ...any) {
	is.add(false, kind, fmt.Sprintf(format, args...))
}

func (is *Issues) Error(kind Kind, format string, args ...any) {
	is.add(true, kind, fmt.Sprintf(format, args...))
}

// Record files err as a warning or an error depending on its kind.
func (is *Issues) Record(err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	is.add(kind.Fatal() || kind == KindSinkWrite, kind, err.Error())
}

func (is *Issues) add(isErr bool, kind Kind, msg string) {
	if is == nil {
		return
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	is.counts[kind]++
	if isErr {
		is.errN++
		if len(is.errors) < is.limit {
			is.errors = append(is.errors, Issue{Kind: kind, Message: msg})
		}
		return
	}
	is.warnN++
	if len(is.warnings) < is.limit {
		is.warnings = append(is.warnings, Issue{Kind: kind, Message: msg})
	}
}

func (is *Issues) Warnings() []Issue {
	if is == nil {
		return nil
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	return append([]Issue(nil), is.warnings...)
}

func (is *Issues) Errors() []Issue {
	if is == nil {
		return nil
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	return append([]Issue(nil), is.errors...)
}

func (is *Issues) WarningCount() int {
	if is == nil {
		return 0
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.warnN
}

func (is *Issues) ErrorCount() int {
	if is == nil {
		return 0
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.errN
}

func (is *Issues) Count(kind Kind) int {
	if is == nil {
		return 0
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.counts[kind]
}

// Counts returns a copy of the per-kind totals.
func (is *Issues) Counts() map[Kind]int {
	out := map[Kind]int{}
	if is == nil {
		return out
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	for k, v := range is.counts {
		out[k] = v
	}
	return out
}
