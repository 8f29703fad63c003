package mcp

// SchemaProperty is a simplified JSON Schema node used in method parameter
// descriptors. It covers the subset of schema features that survive the
// descriptor listing: type, description, enums, arrays, and nested objects.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// ParamsSchema describes the parameters object a method accepts.
type ParamsSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// MethodDescriptor advertises a dispatchable method in methods/list.
type MethodDescriptor struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ParamsSchema ParamsSchema `json:"paramsSchema"`
}

// MethodsListResult is the result payload of methods/list.
type MethodsListResult struct {
	Methods []MethodDescriptor `json:"methods"`
}
