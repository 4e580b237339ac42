package schema

import (
	"errors"
	"fmt"
)

// Mode controls how strictly a Contract enforces its field set.
type Mode int

const (
	// ModeFixed rejects row fields not declared in the contract.
	ModeFixed Mode = iota

	// ModeFlexible allows undeclared fields to pass through.
	ModeFlexible

	// ModeObserved is inference-only: the contract describes what has been
	// seen, never rejects anything.
	ModeObserved
)

// String implements fmt.Stringer for audit logging.
func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "FIXED"
	case ModeFlexible:
		return "FLEXIBLE"
	case ModeObserved:
		return "OBSERVED"
	default:
		return "UNKNOWN"
	}
}

// restrictiveness ranks modes for "most-restrictive wins" merge resolution:
// FIXED is the most restrictive, then FLEXIBLE, then OBSERVED.
var restrictiveness = map[Mode]int{
	ModeFixed:    2,
	ModeFlexible: 1,
	ModeObserved: 0,
}

// FieldSource records whether a field came from an explicit declaration or
// was inferred by observing row data.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// FieldContract describes a single field's shape within a Contract.
type FieldContract struct {
	NormalizedName string
	OriginalName   string
	ValueTag       Tag
	Required       bool
	Source         FieldSource
}

// ErrDuplicateField is returned when a contract would contain two fields
// with the same normalized name.
var ErrDuplicateField = errors.New("schema: duplicate normalized field name")

// Contract is the per-row type contract: an ordered field set, a strictness
// mode, and a lock bit that stops further inference once tripped.
type Contract struct {
	Mode   Mode
	Fields []FieldContract
	Locked bool
}

// Clone returns a deep-enough copy (Fields slice is copied) so propagation
// never mutates a contract another node is holding a reference to.
func (c Contract) Clone() Contract {
	fields := make([]FieldContract, len(c.Fields))
	copy(fields, c.Fields)

	return Contract{Mode: c.Mode, Fields: fields, Locked: c.Locked}
}

// Field looks up a field by normalized name.
func (c Contract) Field(normalizedName string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.NormalizedName == normalizedName {
			return f, true
		}
	}

	return FieldContract{}, false
}

// withField returns a copy of c with f appended, rejecting duplicates.
func (c Contract) withField(f FieldContract) (Contract, error) {
	if _, exists := c.Field(f.NormalizedName); exists {
		return c, fmt.Errorf("%w: %s", ErrDuplicateField, f.NormalizedName)
	}

	out := c.Clone()
	out.Fields = append(out.Fields, f)

	return out, nil
}

// DeclaredField is the input shape for CreateOutputContractFromSchema: a
// field the plugin author declared up front, before any row has been seen.
type DeclaredField struct {
	NormalizedName string
	OriginalName   string
	ValueTag       Tag
	Required       bool
}

// CreateOutputContractFromSchema builds a Contract from a plugin's declared
// schema. allowExtras selects FLEXIBLE over FIXED.
func CreateOutputContractFromSchema(declared []DeclaredField, allowExtras bool) (Contract, error) {
	mode := ModeFixed
	if allowExtras {
		mode = ModeFlexible
	}

	c := Contract{Mode: mode}

	for _, d := range declared {
		var err error

		c, err = c.withField(FieldContract{
			NormalizedName: d.NormalizedName,
			OriginalName:   d.OriginalName,
			ValueTag:       d.ValueTag,
			Required:       d.Required,
			Source:         SourceDeclared,
		})
		if err != nil {
			return Contract{}, err
		}
	}

	return c, nil
}

// PropagateContract applies a transform's output row to an input contract.
// When adds is false the input contract is returned unchanged. When
// true, every row key absent from the input contract is added as a
// non-required, inferred field; unsupported complex types collapse to
// TagObject, and non-finite numbers are a hard error.
func PropagateContract(input Contract, outputRow map[string]any, adds bool) (Contract, error) {
	if !adds {
		return input, nil
	}

	out := input.Clone()

	for key, value := range outputRow {
		if _, exists := out.Field(key); exists {
			continue
		}

		tag, err := InferTag(value)
		if err != nil {
			return Contract{}, fmt.Errorf("schema: field %q: %w", key, err)
		}

		out, err = out.withField(FieldContract{
			NormalizedName: key,
			OriginalName:   key,
			ValueTag:       tag,
			Required:       false,
			Source:         SourceInferred,
		})
		if err != nil {
			return Contract{}, err
		}
	}

	return out, nil
}

// MergeContractWithOutput merges an input contract with a transform's
// declared output schema contract. The output contract wins for required-
// ness and type on overlapping fields; original_name from the input is
// preserved where normalized_name matches, unless the output
// explicitly renames it (a field present in output with a different
// OriginalName for the same NormalizedName is an explicit rename and wins).
// The merged mode is the more restrictive of the two.
func MergeContractWithOutput(input, output Contract) Contract {
	merged := Contract{Mode: mostRestrictive(input.Mode, output.Mode)}

	seen := make(map[string]bool, len(output.Fields))

	for _, of := range output.Fields {
		field := of

		if inf, ok := input.Field(of.NormalizedName); ok && of.OriginalName == "" {
			field.OriginalName = inf.OriginalName
		}

		merged.Fields = append(merged.Fields, field)
		seen[of.NormalizedName] = true
	}

	// Fields the output schema is silent on are carried over unchanged from
	// the input, so propagation never silently drops a field an earlier
	// node declared.
	for _, inf := range input.Fields {
		if !seen[inf.NormalizedName] {
			merged.Fields = append(merged.Fields, inf)
		}
	}

	merged.Locked = input.Locked || output.Locked

	return merged
}

func mostRestrictive(a, b Mode) Mode {
	if restrictiveness[a] >= restrictiveness[b] {
		return a
	}

	return b
}

// ViolationKind classifies a single contract violation.
type ViolationKind string

const (
	ViolationMissing          ViolationKind = "missing"
	ViolationTypeMismatch     ViolationKind = "type_mismatch"
	ViolationUnexpectedInFix  ViolationKind = "unexpected_in_fixed"
)

// Violation describes one field that failed validation against a contract.
type Violation struct {
	Kind  ViolationKind
	Field string
	Want  Tag
	Got   Tag
}

// ValidateOutputAgainstContract checks a row against a contract and returns
// every violation found. An empty result means the row satisfies the
// contract.
func ValidateOutputAgainstContract(row map[string]any, contract Contract) []Violation {
	var violations []Violation

	declared := make(map[string]FieldContract, len(contract.Fields))
	for _, f := range contract.Fields {
		declared[f.NormalizedName] = f
	}

	for _, f := range contract.Fields {
		value, present := row[f.NormalizedName]
		if !present {
			if f.Required {
				violations = append(violations, Violation{Kind: ViolationMissing, Field: f.NormalizedName})
			}

			continue
		}

		got, err := InferTag(value)
		if err != nil {
			violations = append(violations, Violation{
				Kind: ViolationTypeMismatch, Field: f.NormalizedName, Want: f.ValueTag,
			})

			continue
		}

		if !Assignable(got, f.ValueTag) {
			violations = append(violations, Violation{
				Kind: ViolationTypeMismatch, Field: f.NormalizedName, Want: f.ValueTag, Got: got,
			})
		}
	}

	if contract.Mode == ModeFixed {
		for key := range row {
			if _, ok := declared[key]; !ok {
				violations = append(violations, Violation{Kind: ViolationUnexpectedInFix, Field: key})
			}
		}
	}

	return violations
}

// HeaderMode selects how ResolveHeaders names output columns.
type HeaderMode int

const (
	HeaderNormalized HeaderMode = iota
	HeaderOriginal
	HeaderCustom
)

// ResolveHeaders computes the normalized_name -> output header mapping a
// sink should use when writing rows.
func ResolveHeaders(contract Contract, mode HeaderMode, mapping map[string]string) map[string]string {
	out := make(map[string]string, len(contract.Fields))

	for _, f := range contract.Fields {
		switch mode {
		case HeaderOriginal:
			if f.OriginalName != "" {
				out[f.NormalizedName] = f.OriginalName
			} else {
				out[f.NormalizedName] = f.NormalizedName
			}
		case HeaderCustom:
			if custom, ok := mapping[f.NormalizedName]; ok {
				out[f.NormalizedName] = custom
			} else {
				out[f.NormalizedName] = f.NormalizedName
			}
		case HeaderNormalized:
			fallthrough
		default:
			out[f.NormalizedName] = f.NormalizedName
		}
	}

	return out
}
