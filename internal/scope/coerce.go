package scope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Errors returned while canonicalizing an input row.
var (
	ErrMissingInput    = errors.New("missing input variable")
	ErrUndeclaredInput = errors.New("undeclared column")
	ErrBadValue        = errors.New("value does not match dtype")
)

// Coerce converts v to the canonical Go type for dtype: float64, int64,
// bool or string. Integral floats are accepted for int, numbers 0/1 for bool.
func Coerce(dtype DType, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil %s", ErrBadValue, dtype)
	}
	switch dtype {
	case DTypeFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite float %v", ErrBadValue, f)
		}
		if f == 0 {
			f = 0 // fold -0
		}
		return f, nil
	case DTypeInt:
		switch x := v.(type) {
		case string:
			x = strings.TrimSpace(x)
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n, nil
			}
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an int", ErrBadValue, x)
			}
			v = f
		case bool:
			return nil, fmt.Errorf("%w: bool for int", ErrBadValue)
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, fmt.Errorf("%w: %v is not integral", ErrBadValue, v)
		}
		return int64(f), nil
	case DTypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a bool", ErrBadValue, x)
			}
			return b, nil
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		switch f {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("%w: %v is not a bool", ErrBadValue, v)
	case DTypeCat:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T for cat", ErrBadValue, v)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDType, dtype)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadValue, x.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrBadValue, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrBadValue, v)
}

// CoerceInput coerces v for the named variable, enforcing declared
// categories for cat variables.
func (v Variable) CoerceInput(x any) (any, error) {
	c, err := Coerce(v.DType, x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.Name, err)
	}
	if v.DType == DTypeCat && len(v.Values) > 0 && !slices.Contains(v.Values, c.(string)) {
		return nil, fmt.Errorf("%s: %w: %q not in declared categories", v.Name, ErrBadValue, c)
	}
	return c, nil
}

// Canonicalize checks that row assigns exactly the declared inputs and
// returns the coerced values in declaration order.
func (s *Scope) Canonicalize(row map[string]any) ([]any, error) {
	for name := range row {
		if _, ok := s.Input(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredInput, name)
		}
	}
	out := make([]any, len(s.Inputs))
	for i, v := range s.Inputs {
		x, ok := row[v.Name]
		if !ok || x == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, v.Name)
		}
		c, err := v.CoerceInput(x)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// CanonicalKey encodes coerced values (as returned by Canonicalize) into the
// byte string that identifies an experiment.
func CanonicalKey(values []any) (string, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode canonical key: %w", err)
	}
	return string(b), nil
}
