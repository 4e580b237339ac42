// Package schema implements the per-row type contract that flows alongside
// tokens: field sets, types, required flags, and the original/normalized
// name map, plus the inference and validation rules that keep transforms
// honest at pipeline edges.
package schema

import (
	"errors"
	"fmt"
	"math"
)

// Tag is the closed set of value kinds the engine understands. Go is
// statically typed, so row_data values are carried as an explicit tagged
// union rather than language type objects.
type Tag string

const (
	TagInt    Tag = "int"
	TagFloat  Tag = "float"
	TagString Tag = "string"
	TagBool   Tag = "bool"
	TagBytes  Tag = "bytes"
	TagList   Tag = "list"
	TagMap    Tag = "map"
	TagNull   Tag = "null"

	// TagObject is the fallback for values the closed mapping doesn't cover
	// (arbitrary structs, etc). The field is preserved but loses type-check
	// strength downstream.
	TagObject Tag = "object"
)

// ErrNonFiniteNumber is raised when inferring a type for NaN or +/-Inf.
var ErrNonFiniteNumber = errors.New("schema: non-finite numeric value cannot be inferred")

// InferTag determines the Tag for a raw Go value using the closed mapping.
// Unsupported complex types collapse to TagObject rather than failing,
// except non-finite floats, which are a hard error.
func InferTag(v any) (Tag, error) {
	switch val := v.(type) {
	case nil:
		return TagNull, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TagInt, nil
	case float32:
		return inferFloatTag(float64(val))
	case float64:
		return inferFloatTag(val)
	case string:
		return TagString, nil
	case bool:
		return TagBool, nil
	case []byte:
		return TagBytes, nil
	case []any:
		return TagList, nil
	case map[string]any:
		return TagMap, nil
	default:
		return TagObject, nil
	}
}

func inferFloatTag(f float64) (Tag, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrNonFiniteNumber, f)
	}

	return TagFloat, nil
}

// Assignable reports whether a value tagged `from` may be written into a
// field declared as `to`, used by schema-compatibility edge validation.
// Every tag is assignable to itself and to TagObject; numeric
// widening (int -> float) is allowed because it never loses information a
// consumer declared as float would need.
func Assignable(from, to Tag) bool {
	if from == to || to == TagObject {
		return true
	}

	return from == TagInt && to == TagFloat
}
