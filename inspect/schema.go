// schema.go
// Purpose: typed request models for the small set of endpoints the gateway
// validates bodies for. Field shape is declared as data and checked
// generically, replacing duck-typed body walking.

package inspect

import (
	"fmt"
	"strings"
)

// FieldType is the expected JSON type of a declared field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldList   FieldType = "list"
)

// FieldSpec declares one body field: presence, type, and length bounds
// (length bounds apply to strings only).
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	MinLen   int
	MaxLen   int
}

// EndpointSchema binds a path prefix and method set to a body shape.
// Methods empty means all body-bearing methods.
type EndpointSchema struct {
	PathPrefix string
	Methods    []string
	Fields     []FieldSpec
}

// DefaultSchemas returns the built-in endpoint schemas.
func DefaultSchemas() []EndpointSchema {
	return []EndpointSchema{
		{
			PathPrefix: "/api/auth",
			Methods:    []string{"POST"},
			Fields: []FieldSpec{
				{Name: "email", Type: FieldString, Required: true, MinLen: 3, MaxLen: 254},
				{Name: "password", Type: FieldString, Required: true, MinLen: 8, MaxLen: 128},
			},
		},
		{
			PathPrefix: "/api/studies",
			Methods:    []string{"POST", "PUT"},
			Fields: []FieldSpec{
				{Name: "title", Type: FieldString, Required: true, MinLen: 1, MaxLen: 200},
				{Name: "description", Type: FieldString, MaxLen: 5000},
				{Name: "compensation", Type: FieldNumber},
			},
		},
	}
}

// matches reports whether the schema applies to a request.
func (s EndpointSchema) matches(method, path string) bool {
	if !strings.HasPrefix(path, s.PathPrefix) {
		return false
	}
	if len(s.Methods) == 0 {
		return true
	}
	for _, m := range s.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// validate checks a decoded JSON body against the declared fields.
// Undeclared fields are permitted; the schema constrains what it names.
func (s EndpointSchema) validate(body map[string]interface{}) error {
	for _, f := range s.Fields {
		raw, present := body[f.Name]
		if !present || raw == nil {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}

		switch f.Type {
		case FieldString:
			str, ok := raw.(string)
			if !ok {
				return fmt.Errorf("field %q must be a string", f.Name)
			}
			if f.MinLen > 0 && len(str) < f.MinLen {
				return fmt.Errorf("field %q is too short", f.Name)
			}
			if f.MaxLen > 0 && len(str) > f.MaxLen {
				return fmt.Errorf("field %q is too long", f.Name)
			}
		case FieldNumber:
			if _, ok := raw.(float64); !ok {
				return fmt.Errorf("field %q must be a number", f.Name)
			}
		case FieldBool:
			if _, ok := raw.(bool); !ok {
				return fmt.Errorf("field %q must be a boolean", f.Name)
			}
		case FieldObject:
			if _, ok := raw.(map[string]interface{}); !ok {
				return fmt.Errorf("field %q must be an object", f.Name)
			}
		case FieldList:
			if _, ok := raw.([]interface{}); !ok {
				return fmt.Errorf("field %q must be a list", f.Name)
			}
		}
	}
	return nil
}
