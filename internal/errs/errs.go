package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Pipeline failures.
	TransientNetwork      Code = "TRANSIENT_NETWORK"
	InvalidContent        Code = "INVALID_CONTENT"
	SchemaViolation       Code = "SCHEMA_VIOLATION"
	PaginationUnsupported Code = "PAGINATION_UNSUPPORTED"
	CacheCorruption       Code = "CACHE_CORRUPTION"
	EditFailure           Code = "EDIT_FAILURE"
	CountMismatch         Code = "COUNT_MISMATCH"
	RollbackRequired      Code = "ROLLBACK_REQUIRED"

	// Construction and usage failures.
	DuplicateAlias        Code = "DUPLICATE_ALIAS"
	ViolatedExtensionRule Code = "VIOLATED_EXTENSION_RULE"
	NotImplemented        Code = "NOT_IMPLEMENTED"
	CompareFailed         Code = "COMPARE_FAILED"
	InvalidKey            Code = "INVALID_KEY"
	MissingResource       Code = "MISSING_RESOURCE"
	MissingAlias          Code = "MISSING_ALIAS"
	InvalidCount          Code = "INVALID_COUNT"
)

// Error is a coded failure. Op names the operation that failed.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, op, format string, a ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, a...)}
}

func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var messages = map[Code]string{
	MissingAlias: `Missing target: provide a resource alias

Usage:
  featsync %[1]s <alias>

Reason:
  %[1]s operates on the snapshot cache of a single resource.
  Run 'featsync refresh --help' to list configured aliases.`,

	InvalidCount: `Invalid --count: %[2]d

Usage:
  featsync %[1]s <alias> --count 3   # the 3 newest snapshots
  featsync %[1]s <alias> --count -1  # every snapshot

Reason:
  --count must be a positive number, or -1 for all.`,

	MissingResource: `Unknown resource alias %[1]q

Reason:
  Aliases come from the 'resources' section of the configuration file.`,
}

func Msg(code Code, a ...any) string {
	msg := messages[code]
	if msg == "" {
		msg = string(code)
	}
	return fmt.Sprintf(msg, a...)
}
