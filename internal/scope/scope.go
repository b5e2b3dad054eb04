// Package scope defines the declared schema of an exploratory modeling study:
// the input variables every experiment assigns and the performance measures
// model runs report.
package scope

import (
	"errors"
	"fmt"
	"slices"
)

// Role classifies an input variable.
type Role string

const (
	RoleConstant    Role = "constant"    // Fixed value, still part of experiment identity
	RoleUncertainty Role = "uncertainty" // Exogenous uncertainty
	RoleLever       Role = "lever"       // Policy lever
)

// DType is the declared value type of an input variable.
type DType string

const (
	DTypeFloat DType = "float"
	DTypeInt   DType = "int"
	DTypeBool  DType = "bool"
	DTypeCat   DType = "cat" // Categorical, stored as string
)

// MeasureKind records the analyst's intent for a measure.
type MeasureKind string

const (
	KindInfo     MeasureKind = "info"
	KindMinimize MeasureKind = "minimize"
	KindMaximize MeasureKind = "maximize"
)

// Transform is the metamodel transform applied to a measure.
type Transform string

const (
	TransformNone  Transform = "none"
	TransformLn    Transform = "ln"
	TransformLog1p Transform = "log1p"
	TransformLogit Transform = "logit"
)

// Sentinel errors returned by Validate and AddMeasure.
var (
	ErrInvalidScope   = errors.New("invalid scope")
	ErrDuplicateName  = errors.New("duplicate variable name")
	ErrUnknownRole    = errors.New("unknown variable role")
	ErrUnknownDType   = errors.New("unknown variable dtype")
	ErrUnknownKind    = errors.New("unknown measure kind")
	ErrUnknownVarName = errors.New("unknown variable name")
)

// Variable is a declared input variable.
type Variable struct {
	Name    string `json:"name" yaml:"name"`
	Role    Role   `json:"role" yaml:"role"`
	DType   DType  `json:"dtype" yaml:"dtype"`
	Default any    `json:"default,omitempty" yaml:"default,omitempty"`
	Min     any    `json:"min,omitempty" yaml:"min,omitempty"`
	Max     any    `json:"max,omitempty" yaml:"max,omitempty"`
	// Values lists the allowed categories for cat variables.
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Desc   string   `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Measure is a declared performance measure.
type Measure struct {
	Name      string      `json:"name" yaml:"name"`
	Kind      MeasureKind `json:"kind" yaml:"kind"`
	Transform Transform   `json:"transform,omitempty" yaml:"transform,omitempty"`
	Desc      string      `json:"desc,omitempty" yaml:"desc,omitempty"`
}

// Scope is the named schema that every design must conform to.
type Scope struct {
	Name     string     `json:"name" yaml:"name"`
	Desc     string     `json:"desc,omitempty" yaml:"desc,omitempty"`
	Inputs   []Variable `json:"inputs" yaml:"inputs"`
	Measures []Measure  `json:"measures" yaml:"measures"`
}

// Validate checks names, roles, dtypes and measure kinds.
func (s *Scope) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScope)
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: scope %q declares no inputs", ErrInvalidScope, s.Name)
	}

	seen := make(map[string]bool, len(s.Inputs)+len(s.Measures))
	for _, v := range s.Inputs {
		if v.Name == "" {
			return fmt.Errorf("%w: input with empty name", ErrInvalidScope)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, v.Name)
		}
		seen[v.Name] = true

		switch v.Role {
		case RoleConstant, RoleUncertainty, RoleLever:
		default:
			return fmt.Errorf("%w: %q on %s", ErrUnknownRole, v.Role, v.Name)
		}
		switch v.DType {
		case DTypeFloat, DTypeInt, DTypeBool, DTypeCat:
		default:
			return fmt.Errorf("%w: %q on %s", ErrUnknownDType, v.DType, v.Name)
		}
		if v.Role == RoleConstant && v.Default == nil {
			return fmt.Errorf("%w: constant %s has no value", ErrInvalidScope, v.Name)
		}
	}

	for _, m := range s.Measures {
		if m.Name == "" {
			return fmt.Errorf("%w: measure with empty name", ErrInvalidScope)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, m.Name)
		}
		seen[m.Name] = true
		if err := validateMeasure(m); err != nil {
			return err
		}
	}
	return nil
}

func validateMeasure(m Measure) error {
	switch m.Kind {
	case KindInfo, KindMinimize, KindMaximize:
	default:
		return fmt.Errorf("%w: %q on %s", ErrUnknownKind, m.Kind, m.Name)
	}
	switch m.Transform {
	case "", TransformNone, TransformLn, TransformLog1p, TransformLogit:
	default:
		return fmt.Errorf("%w: unknown transform %q on %s", ErrInvalidScope, m.Transform, m.Name)
	}
	return nil
}

// InputNames returns input variable names in declaration order.
func (s *Scope) InputNames() []string {
	names := make([]string, len(s.Inputs))
	for i, v := range s.Inputs {
		names[i] = v.Name
	}
	return names
}

// MeasureNames returns measure names in declaration order.
func (s *Scope) MeasureNames() []string {
	names := make([]string, len(s.Measures))
	for i, m := range s.Measures {
		names[i] = m.Name
	}
	return names
}

// Input returns the declared input variable with the given name.
func (s *Scope) Input(name string) (Variable, bool) {
	for _, v := range s.Inputs {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// HasMeasure reports whether name is a declared measure.
func (s *Scope) HasMeasure(name string) bool {
	return slices.ContainsFunc(s.Measures, func(m Measure) bool { return m.Name == name })
}

// AddMeasure appends a new measure. Scopes only grow: re-adding an existing
// measure with a different definition, or reusing an input name, fails.
func (s *Scope) AddMeasure(m Measure) error {
	if m.Kind == "" {
		m.Kind = KindInfo
	}
	if err := validateMeasure(m); err != nil {
		return err
	}
	if _, ok := s.Input(m.Name); ok {
		return fmt.Errorf("%w: %s is an input", ErrDuplicateName, m.Name)
	}
	for _, existing := range s.Measures {
		if existing.Name == m.Name {
			if measureEqual(existing, m) {
				return nil
			}
			return fmt.Errorf("%w: measure %s already declared differently", ErrDuplicateName, m.Name)
		}
	}
	s.Measures = append(s.Measures, m)
	return nil
}

// Clone returns a deep copy.
func (s *Scope) Clone() *Scope {
	c := &Scope{Name: s.Name, Desc: s.Desc}
	c.Inputs = make([]Variable, len(s.Inputs))
	for i, v := range s.Inputs {
		v.Values = slices.Clone(v.Values)
		c.Inputs[i] = v
	}
	c.Measures = slices.Clone(s.Measures)
	return c
}

// Equal reports structural equality: same name, description, variable names,
// roles, dtypes, constant values, and measure kinds and transforms, all in
// the same order.
func Equal(a, b *Scope) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Desc != b.Desc {
		return false
	}
	if len(a.Inputs) != len(b.Inputs) || len(a.Measures) != len(b.Measures) {
		return false
	}
	for i := range a.Inputs {
		if !variableEqual(a.Inputs[i], b.Inputs[i]) {
			return false
		}
	}
	for i := range a.Measures {
		if !measureEqual(a.Measures[i], b.Measures[i]) {
			return false
		}
	}
	return true
}

func variableEqual(a, b Variable) bool {
	if a.Name != b.Name || a.Role != b.Role || a.DType != b.DType {
		return false
	}
	if a.Role == RoleConstant {
		av, aerr := Coerce(a.DType, a.Default)
		bv, berr := Coerce(b.DType, b.Default)
		if aerr != nil || berr != nil || av != bv {
			return false
		}
	}
	return slices.Equal(a.Values, b.Values)
}

func measureEqual(a, b Measure) bool {
	return a.Name == b.Name && a.Kind == b.Kind && normTransform(a.Transform) == normTransform(b.Transform)
}

func normTransform(t Transform) Transform {
	if t == "" {
		return TransformNone
	}
	return t
}

// CheckAdditive verifies that next only extends prev: identical inputs,
// every existing measure kept unchanged and in place, new measures appended.
func CheckAdditive(prev, next *Scope) error {
	if prev.Name != next.Name {
		return fmt.Errorf("%w: scope name changed from %q to %q", ErrInvalidScope, prev.Name, next.Name)
	}
	if len(prev.Inputs) != len(next.Inputs) {
		return fmt.Errorf("%w: input variables cannot be added or removed", ErrInvalidScope)
	}
	for i := range prev.Inputs {
		if !variableEqual(prev.Inputs[i], next.Inputs[i]) {
			return fmt.Errorf("%w: input %s cannot be redefined", ErrInvalidScope, prev.Inputs[i].Name)
		}
	}
	if len(next.Measures) < len(prev.Measures) {
		return fmt.Errorf("%w: measures cannot be removed", ErrInvalidScope)
	}
	for i := range prev.Measures {
		if !measureEqual(prev.Measures[i], next.Measures[i]) {
			return fmt.Errorf("%w: measure %s cannot be redefined or reordered", ErrInvalidScope, prev.Measures[i].Name)
		}
	}
	return nil
}
