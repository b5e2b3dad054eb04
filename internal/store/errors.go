package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nvandessel/expstore/internal/scope"
)

// Kind classifies store errors so callers can branch without parsing text.
type Kind string

const (
	KindSchema    Kind = "schema"    // Undeclared/missing variables, scope collisions
	KindIdentity  Kind = "identity"  // Unknown experiment or source ids
	KindAmbiguity Kind = "ambiguity" // Measure read needs an explicit source
	KindVersion   Kind = "version"   // On-disk schema version problems
	KindMerge     Kind = "merge"     // Per-design merge rejection
)

// Sentinel errors. They are wrapped in *Error with the matching Kind.
var (
	ErrScopeExists       = errors.New("scope already exists with a different definition")
	ErrScopeNotFound     = errors.New("scope not found")
	ErrScopeAmbiguous    = errors.New("scope name required: store holds more than one scope")
	ErrDesignNotFound    = errors.New("design not found")
	ErrEmptyDesign       = errors.New("design has no experiments")
	ErrUnknownExperiment = errors.New("unknown experiment id")
	ErrUnknownSource     = errors.New("unknown source id")
	ErrUnknownMeasure    = errors.New("undeclared measure")
)

// Error is the classified error returned by store operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) && se.Kind == kind {
		return true
	}
	var ae *AmbiguousSourceError
	if kind == KindAmbiguity && errors.As(err, &ae) {
		return true
	}
	var ve *VersionError
	if kind == KindVersion && errors.As(err, &ve) {
		return true
	}
	var me *MergeError
	if kind == KindMerge && errors.As(err, &me) {
		return true
	}
	return false
}

// AmbiguousSourceError reports measures that more than one source has
// written, so a read must name the source it wants.
type AmbiguousSourceError struct {
	Scope  string
	Design string
	// Measures maps each ambiguous measure to its competing sources.
	Measures map[string][]Source
}

func (e *AmbiguousSourceError) Error() string {
	names := make([]string, 0, len(e.Measures))
	for name := range e.Measures {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous source for scope %q", e.Scope)
	if e.Design != "" {
		fmt.Fprintf(&b, " design %q", e.Design)
	}
	b.WriteString(": ")
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		labels := make([]string, len(e.Measures[name]))
		for j, src := range e.Measures[name] {
			labels[j] = src.String()
		}
		fmt.Fprintf(&b, "%s has values from %s", name, strings.Join(labels, ", "))
	}
	b.WriteString(" (pass a source to disambiguate)")
	return b.String()
}

// SourceIDs returns the distinct competing source ids, sorted.
func (e *AmbiguousSourceError) SourceIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, srcs := range e.Measures {
		for _, s := range srcs {
			if !seen[s.ID] {
				seen[s.ID] = true
				ids = append(ids, s.ID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// VersionError reports an on-disk schema version the store will not use.
// Recoverable is true when a migration path exists but was refused.
type VersionError struct {
	Path        string
	Found       int
	Supported   int
	Recoverable bool
	Err         error
}

func (e *VersionError) Error() string {
	msg := fmt.Sprintf("store %s has schema version %d, this build supports %d", e.Path, e.Found, e.Supported)
	if e.Recoverable {
		msg += " (migration available but not applied)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VersionError) Unwrap() error { return e.Err }

// MergeError reports a donor design that could not be merged. The target is
// left unchanged for that design.
type MergeError struct {
	Scope  string
	Design string
	// ExperimentIDs are the donor ids of the rows that failed validation.
	ExperimentIDs []int64
	Err           error
}

func (e *MergeError) Error() string {
	msg := fmt.Sprintf("merge of design %q in scope %q rejected", e.Design, e.Scope)
	if len(e.ExperimentIDs) > 0 {
		msg += fmt.Sprintf(" (donor experiments %v)", e.ExperimentIDs)
	}
	return msg + ": " + e.Err.Error()
}

func (e *MergeError) Unwrap() error { return e.Err }

// Row validation errors, shared with the scope package so errors.Is works
// against either name.
var (
	ErrMissingVariable  = scope.ErrMissingInput
	ErrUndeclaredColumn = scope.ErrUndeclaredInput
)
