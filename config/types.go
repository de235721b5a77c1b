// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type validates and converts the values of a config key.  Canonical value
// representations are string, int64, float64 and bool.
type Type interface {
	// Name is the wire name of the type, reported by the config API.
	Name() string

	// Valid reports whether v is a canonical value of this type.
	Valid(v any) bool

	// Normalize converts a decoded JSON value into the canonical
	// representation.
	Normalize(v any) (any, error)

	// Parse converts console/CLI text into the canonical representation.
	Parse(s string) (any, error)
}

var (
	// String accepts any string value.
	String Type = stringType{}

	// Integer accepts whole numbers.
	Integer Type = integerType{}

	// Float accepts any finite number.
	Float Type = floatType{}

	// Boolean accepts true/false.
	Boolean Type = booleanType{}
)

type stringType struct{}

func (stringType) Name() string { return "string" }

func (stringType) Valid(v any) bool {
	_, ok := v.(string)
	return ok
}

func (stringType) Normalize(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: want string, got %T", ErrInvalidValue, v)
	}
	return s, nil
}

func (stringType) Parse(s string) (any, error) { return s, nil }

type integerType struct{}

func (integerType) Name() string { return "integer" }

func (integerType) Valid(v any) bool {
	_, ok := v.(int64)
	return ok
}

func (integerType) Normalize(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		// encoding/json decodes all numbers as float64.
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, n)
		}
		return int64(n), nil
	}
	return nil, fmt.Errorf("%w: want integer, got %T", ErrInvalidValue, v)
}

func (integerType) Parse(s string) (any, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
	}
	return n, nil
}

type floatType struct{}

func (floatType) Name() string { return "float" }

func (floatType) Valid(v any) bool {
	_, ok := v.(float64)
	return ok
}

func (floatType) Normalize(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return nil, fmt.Errorf("%w: want float, got %T", ErrInvalidValue, v)
}

func (floatType) Parse(s string) (any, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, s)
	}
	return n, nil
}

type booleanType struct{}

func (booleanType) Name() string { return "boolean" }

func (booleanType) Valid(v any) bool {
	_, ok := v.(bool)
	return ok
}

func (booleanType) Normalize(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: want boolean, got %T", ErrInvalidValue, v)
	}
	return b, nil
}

func (booleanType) Parse(s string) (any, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true, nil
	}
	return false, nil
}

// Key is one entry of the config schema.
type Key struct {
	Name    string
	Type    Type
	Default any

	// Protected keys hold secrets; their values are elided from the
	// config API and the console.
	Protected bool
}
