// Package validator provides composable predicates over raw inbound frames.
//
// A Validator is an immutable value: composition builds new values and no
// variant mutates state during evaluation, so validators are safe to share
// across concurrent evaluations.
package validator

import (
	"log"
	"regexp"
	"strings"

	"github.com/tradewire/pocketsession/errs"
)

type kind uint8

const (
	kindNone kind = iota
	kindRegex
	kindStartsWith
	kindEndsWith
	kindContains
	kindAll
	kindAny
	kindNot
	kindCustom
)

// Predicate is an externally supplied match function. It must be fast and
// side-effect-light; a panic inside the predicate is recovered and counted
// as a non-match.
type Predicate func(frame string) bool

// Validator is a recursively composed predicate over a frame's string projection.
type Validator struct {
	kind     kind
	pattern  string
	re       *regexp.Regexp
	children []Validator
	fn       Predicate
}

// None returns a validator that accepts every frame.
func None() Validator {
	return Validator{kind: kindNone}
}

// Regex returns a validator matching frames against the given pattern.
// An invalid pattern fails here, never at match time.
func Regex(pattern string) (Validator, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Validator{}, errs.New("validator/regex", errs.CodeValidator,
			errs.WithMessage("invalid pattern "+pattern), errs.WithCause(err))
	}
	return Validator{kind: kindRegex, pattern: pattern, re: re}, nil
}

// Contains returns a validator matching frames that contain pattern.
func Contains(pattern string) Validator {
	return Validator{kind: kindContains, pattern: pattern}
}

// StartsWith returns a validator matching frames that begin with pattern.
func StartsWith(pattern string) Validator {
	return Validator{kind: kindStartsWith, pattern: pattern}
}

// EndsWith returns a validator matching frames that end with pattern.
func EndsWith(pattern string) Validator {
	return Validator{kind: kindEndsWith, pattern: pattern}
}

// Not returns the logical negation of v.
func Not(v Validator) Validator {
	return Validator{kind: kindNot, children: []Validator{v}}
}

// All returns a validator requiring every child to match. An empty list
// matches everything.
func All(vs ...Validator) Validator {
	children := make([]Validator, len(vs))
	copy(children, vs)
	return Validator{kind: kindAll, children: children}
}

// Any returns a validator requiring at least one child to match. An empty
// list matches nothing.
func Any(vs ...Validator) Validator {
	children := make([]Validator, len(vs))
	copy(children, vs)
	return Validator{kind: kindAny, children: children}
}

// Custom wraps an externally supplied predicate. A nil fn never matches.
func Custom(fn Predicate) Validator {
	return Validator{kind: kindCustom, fn: fn}
}

// Validate reports whether the frame satisfies the validator.
func (v Validator) Validate(frame string) bool {
	switch v.kind {
	case kindNone:
		return true
	case kindContains:
		return strings.Contains(frame, v.pattern)
	case kindStartsWith:
		return strings.HasPrefix(frame, v.pattern)
	case kindEndsWith:
		return strings.HasSuffix(frame, v.pattern)
	case kindRegex:
		return v.re.MatchString(frame)
	case kindNot:
		return !v.children[0].Validate(frame)
	case kindAll:
		for _, child := range v.children {
			if !child.Validate(frame) {
				return false
			}
		}
		return true
	case kindAny:
		for _, child := range v.children {
			if child.Validate(frame) {
				return true
			}
		}
		return false
	case kindCustom:
		return v.callCustom(frame)
	default:
		return false
	}
}

func (v Validator) callCustom(frame string) (matched bool) {
	if v.fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			// A faulty caller predicate must not poison the dispatch task.
			log.Printf("validator: custom predicate panic: %v", rec)
			matched = false
		}
	}()
	return v.fn(frame)
}
