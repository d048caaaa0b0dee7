package engine

import (
	"github.com/ggoodman/emubridge/mcp"
	"github.com/invopop/jsonschema"
)

// reflectInputSchema reflects the argument struct A into a tool input
// schema. Non-object types yield an empty object schema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   append([]string(nil), s.Required...),
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" {
		if s.Properties != nil && s.Properties.Len() > 0 {
			m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
			for el := s.Properties.Oldest(); el != nil; el = el.Next() {
				m[el.Key] = toSchemaProperty(el.Value)
			}
			p.Properties = m
		}
		// Maps reflect as objects whose values share one schema.
		if s.AdditionalProperties != nil && s.AdditionalProperties.Type != "" {
			ap := toSchemaProperty(s.AdditionalProperties)
			p.AdditionalProperties = &ap
		}
	}
	return p
}
