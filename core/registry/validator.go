package registry

import (
	"fmt"

	"github.com/kaedren/twitchsub/core/domain"
)

// FieldKind is the minimal type tag supported by FieldValidator.
type FieldKind int

const (
	KindString FieldKind = iota
	KindAny
)

// Field describes one required or optional key of a condition/payload
// object.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// FieldValidator is a minimal required-field + type-tag validator
// implementing domain.SchemaValidator (SPEC_FULL.md §12), sufficient for
// the built-in catalogue. Callers needing richer validation (full JSON
// Schema, protobuf-derived schemas, etc.) may supply their own
// domain.SchemaValidator per descriptor instead.
type FieldValidator struct {
	Fields []Field
}

// NewObjectValidator builds a FieldValidator requiring the given fields.
func NewObjectValidator(fields ...Field) *FieldValidator {
	return &FieldValidator{Fields: fields}
}

// Parse implements domain.SchemaValidator. raw must decode to
// map[string]any; every Required field must be present and, for
// KindString, must be a string.
func (v *FieldValidator) Parse(raw any) (any, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &domain.ValidationError{Err: fmt.Errorf("expected an object, got %T", raw)}
	}

	for _, f := range v.Fields {
		val, present := obj[f.Name]
		if !present {
			if f.Required {
				return nil, &domain.ValidationError{Field: f.Name, Err: fmt.Errorf("missing required field")}
			}
			continue
		}
		if f.Kind == KindString {
			if _, isStr := val.(string); !isStr {
				return nil, &domain.ValidationError{Field: f.Name, Err: fmt.Errorf("expected a string, got %T", val)}
			}
		}
	}

	// Reject unknown fields when any fields are declared, mirroring
	// spec.md §4.4 step 1's "reject extra when schema absent" companion
	// rule: when a schema *is* present it is authoritative over the
	// object's shape.
	if len(v.Fields) > 0 {
		allowed := make(map[string]struct{}, len(v.Fields))
		for _, f := range v.Fields {
			allowed[f.Name] = struct{}{}
		}
		for k := range obj {
			if _, ok := allowed[k]; !ok {
				return nil, &domain.ValidationError{Field: k, Err: fmt.Errorf("unexpected field")}
			}
		}
	}

	return obj, nil
}

// AnyValidator accepts any value unchanged; used for response bodies whose
// shape is not worth constraining in the built-in catalogue.
type AnyValidator struct{}

func (AnyValidator) Parse(raw any) (any, error) { return raw, nil }
