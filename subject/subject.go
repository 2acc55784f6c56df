// Package subject implements named, schema-validated token-payload
// variants: every issued access token embeds a {type, properties} pair
// that must match exactly one registered subject type.
package subject

import (
	"encoding/json"
	"fmt"

	"github.com/draftlab/issuer/internal/cryptoutil"
)

// Validator checks that raw JSON properties conform to one subject type's
// shape. Implementations are typically generated from a struct via
// SchemaOf, but any func(json.RawMessage) error works.
type Validator func(properties json.RawMessage) error

// Schema is the process-wide registry of subject types this issuer can mint
// tokens for.
type Schema struct {
	types map[string]Validator
}

// NewSchema builds a Schema from a name->Validator map.
func NewSchema(types map[string]Validator) *Schema {
	cp := make(map[string]Validator, len(types))
	for k, v := range types {
		cp[k] = v
	}
	return &Schema{types: cp}
}

// SchemaOf returns a Validator that unmarshals properties into a fresh T
// value; json.Unmarshal's own strictness (unknown-field rejection is the
// caller's choice via a DisallowUnknownFields decoder if desired) provides
// the validation.
func SchemaOf[T any]() Validator {
	return func(properties json.RawMessage) error {
		var v T
		if err := json.Unmarshal(properties, &v); err != nil {
			return fmt.Errorf("subject: properties do not match schema: %w", err)
		}
		return nil
	}
}

// Validate checks that properties conforms to the named subject type.
func (s *Schema) Validate(subjectType string, properties json.RawMessage) error {
	v, ok := s.types[subjectType]
	if !ok {
		return fmt.Errorf("subject: unknown subject type %q", subjectType)
	}
	return v(properties)
}

// Has reports whether subjectType is registered.
func (s *Schema) Has(subjectType string) bool {
	_, ok := s.types[subjectType]
	return ok
}

// Resolve computes the default subject identifier:
// "<type>:<first 16 hex chars of SHA-256(JSON(properties))>". Callers that
// need a different identity scheme (e.g. a stable user id already known to
// the provider) should bypass this and build their own subject string.
func Resolve(subjectType string, properties json.RawMessage) (string, error) {
	canonical, err := canonicalize(properties)
	if err != nil {
		return "", err
	}
	hash := cryptoutil.SHA256Hex(string(canonical))
	return fmt.Sprintf("%s:%s", subjectType, hash[:16]), nil
}

// canonicalize re-marshals properties through a map so key order is
// deterministic (Go's encoding/json sorts map keys), which JSON received
// verbatim from a request might not guarantee.
func canonicalize(properties json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(properties, &v); err != nil {
		return nil, fmt.Errorf("subject: invalid properties JSON: %w", err)
	}
	return json.Marshal(v)
}
